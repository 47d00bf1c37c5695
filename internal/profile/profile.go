// Package profile holds the static table identifying supported FX2-based
// logic analyzers by their USB vendor/product IDs, before and after
// firmware upload.
package profile

// Profile is an immutable descriptor of one supported device model.
type Profile struct {
	OrigVID, OrigPID uint16
	FWVID, FWPID     uint16
	Vendor, Model    string
	Version          string
	Probes           int
}

// Table lists every device this driver recognizes. Saleae's "Logic" is the
// reference device; the bare FX2 devboard entry lets the driver claim a
// stock Cypress eval board that has never had analyzer firmware loaded.
var Table = []Profile{
	{
		OrigVID: 0x0925, OrigPID: 0x3881,
		FWVID: 0x0925, FWPID: 0x3881,
		Vendor: "Saleae", Model: "Logic", Version: "1.0",
		Probes: 8,
	},
	{
		OrigVID: 0x0925, OrigPID: 0x3882,
		FWVID: 0x0925, FWPID: 0x3882,
		Vendor: "Saleae", Model: "Logic16", Version: "1.0",
		Probes: 8, // the firmware this driver targets is 8-channel only
	},
	{
		OrigVID: 0x04B4, OrigPID: 0x8613,
		FWVID: 0x0925, FWPID: 0x3881,
		Vendor: "Cypress", Model: "FX2 devboard", Version: "",
		Probes: 8,
	},
}

// MatchOriginal finds the profile whose pre-firmware VID/PID matches.
func MatchOriginal(vid, pid uint16) (Profile, bool) {
	for _, p := range Table {
		if p.OrigVID == vid && p.OrigPID == pid {
			return p, true
		}
	}
	return Profile{}, false
}

// MatchFirmware finds the profile whose post-firmware VID/PID matches.
func MatchFirmware(vid, pid uint16) (Profile, bool) {
	for _, p := range Table {
		if p.FWVID == vid && p.FWPID == pid {
			return p, true
		}
	}
	return Profile{}, false
}
