package httpapi

import (
	"encoding/xml"
)

// GameStream protocol version constants the client negotiates against
// (spec.md §6.1); these are wire-format values, not this server's own
// version.
const (
	appVersion = "7.1.431.0"
	gfeVersion = "3.23.0.74"

	maxLumaPixelsHEVC = 1869449984

	codecModeH264    = 0x0001
	codecModeHEVC    = 0x0100
	codecModeAV1Main = 0x1000

	// codecModeHEVC10 and codecModeAV110 are 10-bit capability bits, not
	// implied by base HEVC/AV1 support — they'd be gated on a separate
	// hevc_mode/av1_mode negotiation this server does not yet expose.
	codecModeHEVC10 = 0x0200
	codecModeAV110  = 0x2000
)

// ServerInfo is the `/serverinfo` XML response body (spec.md §6.1).
type ServerInfo struct {
	XMLName               xml.Name      `xml:"root"`
	StatusCode             int           `xml:"status_code,attr"`
	Hostname               string        `xml:"hostname"`
	AppVersion             string        `xml:"appversion"`
	GfeVersion             string        `xml:"GfeVersion"`
	UniqueID               string        `xml:"uniqueid"`
	MaxLumaPixelsHEVC      int           `xml:"MaxLumaPixelsHEVC"`
	ServerCodecModeSupport int           `xml:"ServerCodecModeSupport"`
	HTTPSPort              int           `xml:"HttpsPort"`
	ExternalPort           int           `xml:"ExternalPort"`
	MAC                    string        `xml:"mac"`
	LocalIP                string        `xml:"LocalIP"`
	DisplayModes           []DisplayMode `xml:"SupportedDisplayMode>DisplayMode"`
	PairStatus             int           `xml:"PairStatus"`
	CurrentGame            int           `xml:"currentgame"`
	State                  string        `xml:"state"`
}

// DisplayMode is one `<DisplayMode>` entry.
type DisplayMode struct {
	Width  int `xml:"Width"`
	Height int `xml:"Height"`
	FPS    int `xml:"RefreshRate"`
}

func codecModeSupport(supportHEVC, supportAV1 bool) int {
	mode := codecModeH264
	if supportHEVC {
		mode |= codecModeHEVC
	}
	if supportAV1 {
		mode |= codecModeAV1Main
	}
	return mode
}

func serverState(busy bool) string {
	if busy {
		return "SUNSHINE_SERVER_BUSY"
	}
	return "FREE"
}
