package protocol

// Tunnel categories by port. The label is informational only.
const (
	ChannelFirmware = "OTA0"
	ChannelData     = "OTA1"
	ChannelUnknown  = "Unknown"
)

// KnownChannels maps well-known tunnel ports to their category label.
var KnownChannels = map[int]string{
	DefaultFirmwarePort: ChannelFirmware,
	DefaultDataPort:     ChannelData,
}

// ChannelFor returns the category label for a tunnel port.
func ChannelFor(port int) string {
	if c, ok := KnownChannels[port]; ok {
		return c
	}
	return ChannelUnknown
}
