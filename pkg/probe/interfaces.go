package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// vidpid identifies a USB product.
type vidpid struct {
	vid, pid gousb.ID
}

// usbProbes maps the CMSIS-DAP v2 products this driver talks to onto a
// display name.
var usbProbes = map[vidpid]string{
	{0x1366, 0x1051}: "SEGGER J-Link OB (CMSIS-DAP)",
	{0x1915, 0xc00a}: "Nordic nRF CMSIS-DAP",
	{0x0d28, 0x0204}: "Arm DAPLink",
	{0x2e8a, 0x000c}: "Raspberry Pi Debug Probe",
}

func isUSBProbe(desc *gousb.DeviceDesc) bool {
	_, ok := usbProbes[vidpid{desc.Vendor, desc.Product}]
	return ok
}

// USBProbe is a CMSIS-DAP probe seen on the bus.
type USBProbe struct {
	Name     string
	Vendor   gousb.ID
	Product  gousb.ID
	Serial   uint32
	SerialID string // USB serial string as reported
}

func (p USBProbe) String() string {
	return fmt.Sprintf("%s %d (%s:%s)", p.Name, p.Serial, p.Vendor, p.Product)
}

// ListUSB opens every attached probe just long enough to read its serial
// string. Probes the user lacks permission for are left out.
func ListUSB(ctx context.Context) ([]USBProbe, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return ctx.Err() == nil && isUSBProbe(desc)
	})
	if err != nil && len(devs) == 0 && !errors.Is(err, gousb.ErrorAccess) {
		return nil, err
	}

	found := make([]USBProbe, 0, len(devs))
	for _, dev := range devs {
		id, _ := dev.SerialNumber()
		found = append(found, USBProbe{
			Name:     usbProbes[vidpid{dev.Desc.Vendor, dev.Desc.Product}],
			Vendor:   dev.Desc.Vendor,
			Product:  dev.Desc.Product,
			Serial:   ParseSerial(id),
			SerialID: id,
		})
		dev.Close()
	}
	return found, ctx.Err()
}
