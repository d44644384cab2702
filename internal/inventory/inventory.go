// Package inventory loads the device inventory file (spec.md §6): a CSV
// with at least an `address` column and optional `hostname`, `role`,
// `region` columns. Hostname synthesis and duplicate-hostname
// disambiguation follow the original implementation's row-ordinal scheme
// (SPEC_FULL.md SUPPLEMENTED FEATURES, grounded in
// collectors/juniper_ssh.py:load_devices_from_csv and
// models/__init__.py:DeviceInfo.from_csv_row).
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

// LoadCSV reads device rows from path. Rows with a blank address are
// skipped with a logged warning rather than aborting the load. A row
// without a hostname gets one synthesized from its address; a hostname
// that collides with one already seen is disambiguated by appending the
// row's 1-based ordinal (matching the original's "<hostname>-<row_num>").
func LoadCSV(log *zap.Logger, path string) ([]model.Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.New(errkind.Configuration, "inventory.LoadCSV", fmt.Errorf("opening device inventory: %w", err))
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, errkind.New(errkind.Configuration, "inventory.LoadCSV", fmt.Errorf("reading header: %w", err))
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	if _, ok := col["address"]; !ok {
		return nil, errkind.New(errkind.Configuration, "inventory.LoadCSV", fmt.Errorf("missing required column 'address'"))
	}

	var devices []model.Device
	seen := make(map[string]struct{})
	rowNum := 1 // header is row 1; data rows start at 2, matching the original's enumerate(start=2)

	for {
		rowNum++
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if log != nil {
				log.Warn("skipping malformed device inventory row", zap.Int("row", rowNum), zap.Error(err))
			}
			continue
		}

		address := field(record, col, "address")
		if address == "" {
			if log != nil {
				log.Warn("skipping device inventory row with blank address", zap.Int("row", rowNum))
			}
			continue
		}

		hostname := field(record, col, "hostname")
		if hostname == "" {
			hostname = model.SynthesizeHostname(address)
		}
		if _, dup := seen[hostname]; dup {
			if log != nil {
				log.Warn("duplicate hostname in device inventory, disambiguating", zap.String("hostname", hostname), zap.Int("row", rowNum))
			}
			hostname = fmt.Sprintf("%s-%d", hostname, rowNum)
		}
		seen[hostname] = struct{}{}

		devices = append(devices, model.Device{
			Address: address, Hostname: hostname,
			Role: field(record, col, "role"), Region: field(record, col, "region"),
		})
	}

	if len(devices) == 0 {
		return nil, errkind.New(errkind.Configuration, "inventory.LoadCSV", fmt.Errorf("no valid devices found in %s", path))
	}
	return devices, nil
}

func field(record []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}
