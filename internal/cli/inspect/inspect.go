// Package inspect implements the offline commands that show what attach
// would do to a binary without touching a running process: symbol
// resolution, patch site analysis, trampoline code and field offsets.
package inspect

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
)

var tableFormats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatYAML,
	helpers.FormatCSV,
}

var reportFormats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatYAML,
}

func render(w io.Writer, format string, data any) error {
	f, err := helpers.NewFormatter(helpers.OutputFormat(format))
	if err != nil {
		return err
	}
	return f.Format(data, w)
}

// addLoadBaseFlag adds --load-base. Addresses are link-time when it is 0.
func addLoadBaseFlag(cmd *cobra.Command, v *uint64) {
	helpers.AddAddressFlag(cmd.Flags(), v, "load-base", 0, "Runtime address of the image's first mapping (hex or decimal)")
}
