package api

import (
	"html/template"
	"net/http"
	"time"

	"github.com/omnilab/robobridge/internal/bridge"
	"github.com/omnilab/robobridge/internal/ota"
	"github.com/omnilab/robobridge/internal/registry"
)

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>robobridge</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: left; }
.on { color: #1a7f37; }
.off { color: #999; }
</style>
</head>
<body>
<h1>robobridge</h1>
<p>up {{.Uptime}} &middot; {{.Stats.Connected}} connected &middot; {{.Stats.Known}} known &middot; {{.Stats.Subscribers}} subscribers &middot; {{.Live.Relayed}} relayed</p>
<h2>Robots</h2>
<table>
<tr><th>robot</th><th>address</th><th>state</th><th>subscribers</th></tr>
{{range .Robots}}<tr><td>{{.RobotID}}</td><td>{{.IP}}{{if .Port}}:{{.Port}}{{end}}</td><td class="{{if .Active}}on{{else}}off{{end}}">{{if .Active}}connected{{else}}offline{{end}}</td><td>{{.Subscribers}}</td></tr>
{{else}}<tr><td colspan="4">no robots</td></tr>
{{end}}</table>
<h2>OTA tunnels</h2>
<table>
<tr><th>robot</th><th>address</th><th>type</th><th>opened</th></tr>
{{range .Tunnels}}<tr><td>{{.RobotID}}</td><td>{{.IP}}:{{.Port}}</td><td>{{.OTAType}}</td><td>{{.OpenedAt.Format "15:04:05"}}</td></tr>
{{else}}<tr><td colspan="4">no tunnels</td></tr>
{{end}}</table>
</body>
</html>
`))

type statusPage struct {
	Uptime  string
	Stats   registry.Stats
	Live    bridge.Connections
	Robots  []registry.RobotInfo
	Tunnels []ota.TunnelInfo
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	page := statusPage{
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Stats:   s.deps.Registry.Stats(),
		Live:    s.deps.Bridge.Connections(),
		Robots:  s.deps.Registry.AllKnownRobots(),
		Tunnels: s.deps.Tunnels.List(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, page); err != nil {
		s.logger.Error("render status page", "error", err)
	}
}
