// Package usbtmc serves USB[board]::manf::model::serial[::intf]::INSTR
// resources through the USB Test & Measurement Class.
package usbtmc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/usbids"
)

// Driver enumerates and opens USBTMC instruments with libusb.
type Driver struct{}

// New creates a USBTMC driver.
func New() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "usbtmc"
}

// tmcInterface locates the first USBTMC interface in a device descriptor.
// want selects a specific interface number; -1 accepts any.
func tmcInterface(desc *gousb.DeviceDesc, want int) (cfgNum int, setting gousb.InterfaceSetting, ok bool) {
	cfgNums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		cfgNums = append(cfgNums, n)
	}
	sort.Ints(cfgNums)

	for _, n := range cfgNums {
		for _, intf := range desc.Configs[n].Interfaces {
			if len(intf.AltSettings) == 0 {
				continue
			}
			alt := intf.AltSettings[0]
			if alt.Class != gousb.Class(InterfaceClass) || alt.SubClass != gousb.Class(InterfaceSubClass) {
				continue
			}
			if want >= 0 && alt.Number != want {
				continue
			}
			return n, alt, true
		}
	}
	return 0, gousb.InterfaceSetting{}, false
}

func (d *Driver) Find(ctx context.Context) ([]driver.Resource, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		_, _, ok := tmcInterface(desc, -1)
		return ok
	})
	if err != nil && err != gousb.ErrorAccess {
		for _, dev := range devs {
			dev.Close()
		}
		return nil, fmt.Errorf("usbtmc: enumerate: %w", err)
	}

	var results []driver.Resource
	for _, dev := range devs {
		results = append(results, describe(dev))
		dev.Close()
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	return results, nil
}

func describe(dev *gousb.Device) driver.Resource {
	serial, _ := dev.SerialNumber()
	_, setting, _ := tmcInterface(dev.Desc, -1)

	res := rsrc.Resource{
		Interface:    rsrc.InterfaceUSB,
		Class:        rsrc.ClassInstr,
		ManfID:       uint16(dev.Desc.Vendor),
		ModelCode:    uint16(dev.Desc.Product),
		Serial:       serial,
		USBInterface: -1,
	}
	if setting.Number != 0 {
		res.USBInterface = setting.Number
	}

	attrs := map[string]any{
		"VI_ATTR_USB_PROTOCOL": int(setting.Protocol),
	}
	if vendor, ok := usbids.LookupVendor(res.ManfID); ok {
		attrs["VI_ATTR_RSRC_MANF_NAME"] = vendor.Name
	} else if manf, err := dev.Manufacturer(); err == nil {
		attrs["VI_ATTR_RSRC_MANF_NAME"] = manf
	}
	if product, err := dev.Product(); err == nil {
		attrs["VI_ATTR_MODEL_NAME"] = product
	}
	return driver.Resource{Name: res.String(), Attrs: attrs}
}

func (d *Driver) Open(ctx context.Context, res *rsrc.Resource) (driver.Conn, error) {
	if res.Interface != rsrc.InterfaceUSB || res.Class != rsrc.ClassInstr {
		return nil, driver.ErrNotFound
	}

	usb := gousb.NewContext()
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != res.ManfID || uint16(desc.Product) != res.ModelCode {
			return false
		}
		_, _, ok := tmcInterface(desc, res.USBInterface)
		return ok
	})
	if err != nil && err != gousb.ErrorAccess {
		for _, dev := range devs {
			dev.Close()
		}
		usb.Close()
		return nil, fmt.Errorf("usbtmc: enumerate: %w", err)
	}

	var dev *gousb.Device
	for _, candidate := range devs {
		serial, _ := candidate.SerialNumber()
		if dev == nil && strings.EqualFold(serial, res.Serial) {
			dev = candidate
			continue
		}
		candidate.Close()
	}
	if dev == nil {
		usb.Close()
		return nil, driver.ErrNotFound
	}

	p, err := openPipe(usb, dev, res.USBInterface)
	if err != nil {
		dev.Close()
		usb.Close()
		return nil, err
	}
	driver.Logger().Debug("usbtmc: opened", zap.String("resource", res.String()), zap.Int("packet", p.packet))
	return newConn(p, res.String()), nil
}

// usbPipe is a pipe on a claimed gousb interface.
type usbPipe struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	ifaceNum int
	packet   int
}

func openPipe(usb *gousb.Context, dev *gousb.Device, want int) (*usbPipe, error) {
	// Not fatal on all platforms
	_ = dev.SetAutoDetach(true)

	cfgNum, setting, ok := tmcInterface(dev.Desc, want)
	if !ok {
		return nil, driver.ErrNotFound
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("usbtmc: failed to get config %d: %w", cfgNum, err)
	}
	intf, err := cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("usbtmc: failed to claim interface %d: %w", setting.Number, err)
	}

	p := &usbPipe{ctx: usb, dev: dev, cfg: cfg, intf: intf, ifaceNum: setting.Number}
	if err := p.findEndpoints(); err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	return p, nil
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (p *usbPipe) findEndpoints() error {
	var outNum, inNum int
	for _, ep := range p.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if outNum == 0 {
				outNum = ep.Number
			}
		case gousb.EndpointDirectionIn:
			if inNum == 0 {
				inNum = ep.Number
				p.packet = ep.MaxPacketSize
			}
		}
	}
	if outNum == 0 {
		return fmt.Errorf("usbtmc: bulk OUT endpoint not found")
	}
	if inNum == 0 {
		return fmt.Errorf("usbtmc: bulk IN endpoint not found")
	}

	epOut, err := p.intf.OutEndpoint(outNum)
	if err != nil {
		return fmt.Errorf("usbtmc: failed to open OUT endpoint: %w", err)
	}
	epIn, err := p.intf.InEndpoint(inNum)
	if err != nil {
		return fmt.Errorf("usbtmc: failed to open IN endpoint: %w", err)
	}
	p.epOut, p.epIn = epOut, epIn
	if p.packet <= 0 {
		p.packet = 64
	}
	return nil
}

func (p *usbPipe) writeBulk(ctx context.Context, b []byte) (int, error) {
	return p.epOut.WriteContext(ctx, b)
}

func (p *usbPipe) readBulk(ctx context.Context, b []byte) (int, error) {
	return p.epIn.ReadContext(ctx, b)
}

func (p *usbPipe) control(request uint8, value uint16, data []byte) (int, error) {
	return p.dev.Control(requestTypeIn, request, value, uint16(p.ifaceNum), data)
}

func (p *usbPipe) maxPacketSize() int {
	return p.packet
}

func (p *usbPipe) close() error {
	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}
	if p.cfg != nil {
		p.cfg.Close()
		p.cfg = nil
	}
	var err error
	if p.dev != nil {
		err = p.dev.Close()
		p.dev = nil
	}
	if p.ctx != nil {
		p.ctx.Close()
		p.ctx = nil
	}
	return err
}
