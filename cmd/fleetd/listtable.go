package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/example/devicefleet/pkg/device"
)

// renderDeviceTable renders the list-devices table: serial, mode,
// allocation state, product, variant, build, and battery, plus the class
// and raw device-state columns under --full. Records arrive already
// sorted by mode then serial (registry.SortedBy).
func renderDeviceTable(out io.Writer, records []*device.Record, full bool) {
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	defer w.Flush()

	if full {
		fmt.Fprintln(w, "SERIAL\tSTATE\tALLOCATION\tPRODUCT\tVARIANT\tBUILD\tBATTERY\tCLASS\tDEVICESTATE")
	} else {
		fmt.Fprintln(w, "SERIAL\tSTATE\tALLOCATION\tPRODUCT\tVARIANT\tBUILD\tBATTERY")
	}

	for _, rec := range records {
		d := rec.GetDescriptor(!full)
		battery := "?"
		if d.BatteryValid {
			battery = fmt.Sprintf("%d%%", d.BatteryLevel)
		}
		if full {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.Serial, d.Mode, d.AllocationState, d.Product, d.Variant, d.BuildID, battery, d.Kind, rec.Mode())
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.Serial, d.Mode, d.AllocationState, d.Product, d.Variant, d.BuildID, battery)
		}
	}
}
