// nemo_checkpoints inspects a directory of checkpoints saved during training:
// it lists them and reports per-variable shapes and sizes without loading the
// values.
//
// Usage:
//
//	nemo_checkpoints -summary -vars ~/nemo-data/an4/checkpoints
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/alan101-tech/NeMo/pkg/ml/checkpoints"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the most recent checkpoint: "+
		"global step, number of variables, parameters and bytes.")
	flagVars = flag.Bool("vars", false, "Lists the variables of the most recent checkpoint.")
	flagList = flag.Bool("list", false, "Lists every checkpoint in the directory.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'nemo_checkpoints -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'nemo_checkpoints -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagVars && !*flagList {
		*flagSummary = true
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(checkpointDir string) {
	infos := must.M1(checkpoints.Inspect(checkpointDir))
	if len(infos) == 0 {
		klog.Errorf("No checkpoints found in %q", checkpointDir)
		os.Exit(1)
	}
	latest := &infos[len(infos)-1]

	if *flagList {
		fmt.Println(titleStyle.Render("Checkpoints"))
		table := newPlainTable(true)
		table.Row("Name", "Global Step", "# Variables", "# Parameters", "Bytes")
		for ii := range infos {
			info := &infos[ii]
			table.Row(info.BaseName,
				humanize.Comma(info.GlobalStep),
				humanize.Comma(int64(len(info.Variables))),
				humanize.Comma(int64(info.NumParameters())),
				humanize.Bytes(uint64(info.Memory())))
		}
		fmt.Println(table.Render())
	}

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("directory", checkpointDir)
		table.Row("checkpoint", latest.BaseName)
		table.Row("global_step", humanize.Comma(latest.GlobalStep))
		table.Row("# variables", humanize.Comma(int64(len(latest.Variables))))
		table.Row("# parameters", humanize.Comma(int64(latest.NumParameters())))
		table.Row("# bytes", humanize.Bytes(uint64(latest.Memory())))
		fmt.Println(table.Render())
	}

	if *flagVars {
		fmt.Println(titleStyle.Render("Variables"))
		table := newPlainTable(true)
		table.Row("Name", "Shape", "Size", "Bytes")
		for _, v := range latest.Variables {
			table.Row(v.ParameterName, v.Shape.String(),
				humanize.Comma(int64(v.Shape.Size())),
				humanize.Bytes(uint64(v.Shape.Memory())))
		}
		fmt.Println(table.Render())
	}
}
