package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// lookupPCIName resolves a marketing name from the PCI identifiers NVML reports.
func lookupPCIName(info nvml.PciInfo) string {
	vendorID, deviceID, subVendorID, subDeviceID := pciIdentifiers(info)
	return lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID)
}

// pciIdentifiers splits NVML's packed ids: the low 16 bits carry the vendor,
// the high 16 bits the device.
func pciIdentifiers(info nvml.PciInfo) (vendorID, deviceID, subVendorID, subDeviceID string) {
	if info.PciDeviceId == 0 {
		return "", "", "", ""
	}
	vendorID = fmt.Sprintf("%04x", info.PciDeviceId&0xffff)
	deviceID = fmt.Sprintf("%04x", info.PciDeviceId>>16)
	if info.PciSubSystemId != 0 {
		subVendorID = fmt.Sprintf("%04x", info.PciSubSystemId&0xffff)
		subDeviceID = fmt.Sprintf("%04x", info.PciSubSystemId>>16)
	}
	return vendorID, deviceID, subVendorID, subDeviceID
}

func lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				if subsystem.Name != "" {
					return subsystem.Name
				}
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// needsResolvedName reports whether NVML returned a placeholder instead of a
// product name, as it does for boards newer than the installed driver.
func needsResolvedName(current string) bool {
	lower := strings.ToLower(strings.TrimSpace(current))
	if lower == "" {
		return true
	}
	switch lower {
	case "nvidia graphics device", "graphics device", "unknown":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
