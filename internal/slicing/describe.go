package slicing

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// WriteTable prints the plan as an aligned table, one row per parameter
// followed by the layout flow.
func (p *Plan) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PARAMETER\tSHAPE\tACTION\tGRAD\n")
	for _, pp := range p.Params {
		fmt.Fprintf(tw, "%s\t%v\t%v\t%v\n", pp.Path, pp.Shape, pp.Action, pp.Grad)
	}
	fmt.Fprintf(tw, "\nOPERATOR\tKIND\tINPUT\tCONSUMES\tPRODUCES\tOUTPUT\n")
	for _, s := range p.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%v\t%v\n", displayPath(s.Path), s.Kind, s.Input, s.Consumes, s.Produces, s.Output)
	}
	mode := "tensor-parallel"
	if p.DataParallel {
		mode = "data-parallel"
	}
	fmt.Fprintf(tw, "\nparts=%d policy=%v mode=%s output=%v (final layout %v)\n",
		p.NumParts, p.Policy, mode, p.Output, p.OutputLayout)
	return tw.Flush()
}

// String returns the table form of the plan.
func (p *Plan) String() string {
	var b strings.Builder
	_ = p.WriteTable(&b)
	return b.String()
}
