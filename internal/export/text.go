package export

import (
	"bufio"
	"fmt"
	"io"

	"plantgrow.dev/internal/sim/tree"
)

// WriteText writes the simple one-line-per-branch table understood by
// the downstream analysis scripts.
func WriteText(w io.Writer, t *tree.Tree) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("# PlantGrow Tree Export (Simple Format)\n")
	bw.WriteString("# Format: branch_id parent_id start_x start_y start_z end_x end_y end_z radius depth\n\n")

	index := make(map[*tree.Branch]int, len(t.Branches))
	for i, b := range t.Branches {
		index[b] = i
	}
	for i, b := range t.Branches {
		parent := -1
		if b.Parent != nil {
			parent = index[b.Parent]
		}
		start := b.Start
		end := b.End()
		fmt.Fprintf(bw, "%d %d %s %s %s %s %s %s %s %d\n",
			i, parent,
			ftoa(start.X), ftoa(start.Y), ftoa(start.Z),
			ftoa(end.X), ftoa(end.Y), ftoa(end.Z),
			ftoa(b.Radius), b.Depth)
	}
	return bw.Flush()
}

// ExportTextFile writes the table to path, creating parent directories
// as needed.
func ExportTextFile(path string, t *tree.Tree) error {
	if err := writeFile(path, t, WriteText); err != nil {
		return fmt.Errorf("text export: %w", err)
	}
	return nil
}
