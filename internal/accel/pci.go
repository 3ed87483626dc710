package accel

import (
	"github.com/jaypipes/ghw"
)

// displayClass is the PCI base class of display controllers.
const displayClass = "03"

type PCIDevice struct {
	Address string
	Vendor  string
	Product string
}

// ProbePCI lists the display controllers on the PCI bus.
func ProbePCI() ([]PCIDevice, error) {
	info, err := ghw.PCI()
	if err != nil {
		return nil, err
	}

	out := []PCIDevice{}
	for _, device := range info.Devices {
		if device == nil || device.Class == nil || device.Class.ID != displayClass {
			continue
		}

		d := PCIDevice{Address: device.Address}
		if device.Vendor != nil {
			d.Vendor = device.Vendor.Name
		}
		if device.Product != nil {
			d.Product = device.Product.Name
		}
		out = append(out, d)
	}
	return out, nil
}
