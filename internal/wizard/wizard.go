// Package wizard provides an interactive setup wizard for robobridge.
package wizard

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/pkg/cli"
)

// Wizard drives the interactive config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks for every setting, validates the result and writes it to
// outputPath. An empty outputPath is asked for as well. The file format
// follows the extension (.json, .toml, .yaml).
func (w *Wizard) Run(outputPath string) (*config.Config, error) {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  robobridge configuration")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 30))

	cfg := config.Default()

	w.p.Section("Listeners")
	cfg.Server.TCPAddr = w.p.AskAddr("  Robot TCP address", cfg.Server.TCPAddr)
	cfg.Server.WSAddr = w.p.AskAddr("  Subscriber WebSocket address", cfg.Server.WSAddr)
	cfg.Server.APIAddr = w.p.AskAddr("  Admin API address", cfg.Server.APIAddr)
	cfg.Server.AllowedOrigins = w.p.AskList("  Allowed origins (comma separated)", cfg.Server.AllowedOrigins)

	w.p.Section("OTA")
	cfg.OTA.DefaultPort = w.p.AskPort("  Firmware port", cfg.OTA.DefaultPort)
	cfg.OTA.CommandPort = w.p.AskPort("  Command port", cfg.OTA.CommandPort)
	cfg.OTA.ChunkDumpDir = w.p.Ask("  Chunk dump directory (empty to disable)", "")

	w.p.Section("Storage")
	cfg.Storage.Driver = w.p.Choose("  Database driver", []string{"sqlite", "postgres"}, 0)
	switch cfg.Storage.Driver {
	case "sqlite":
		cfg.Storage.DSN = w.p.Ask("  SQLite database path", cfg.Storage.DSN)
	case "postgres":
		cfg.Storage.DSN = w.askPostgresDSN()
	}
	cfg.Storage.PersistTypes = w.p.AskList("  Message types to persist", cfg.Storage.PersistTypes)
	cfg.Storage.Retention.Duration = w.p.AskDuration("  Retention", cfg.Storage.Retention.Duration)

	w.p.Section("Forwarder")
	if w.p.Confirm("  Forward telemetry to an HTTP endpoint?", false) {
		cfg.Forwarder.Enabled = true
		cfg.Forwarder.URL = w.p.Ask("  Endpoint URL", "http://localhost:8080/ingest")
		cfg.Forwarder.Gzip = w.p.Confirm("  Gzip request bodies?", true)
	}

	w.p.Section("Logging")
	cfg.Logging.Level = w.p.Choose("  Level", []string{"debug", "info", "warn", "error"}, 1)
	cfg.Logging.Format = w.p.Choose("  Format", []string{"json", "text"}, 0)
	cfg.Logging.File = w.p.Ask("  Log file (empty for stdout only)", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if outputPath == "" {
		_, _ = fmt.Fprintln(w.p.Out)
		outputPath = w.p.Ask("Config file output path", "./robobridge.json")
	}
	if err := config.Save(outputPath, cfg); err != nil {
		return nil, err
	}

	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n\n", outputPath)
	_, _ = fmt.Fprintln(w.p.Out, "  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    robobridge run -c %s\n\n", outputPath)
	return cfg, nil
}

func (w *Wizard) askPostgresDSN() string {
	host := w.p.Ask("  Host", "localhost")
	port := w.p.AskPort("  Port", 5432)
	user := w.p.Ask("  User", "robobridge")
	pass := w.p.AskSecret("  Password")
	db := w.p.Ask("  Database", "robobridge")
	sslmode := w.p.Choose("  SSL mode", []string{"disable", "require", "verify-full"}, 0)

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + db,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}
