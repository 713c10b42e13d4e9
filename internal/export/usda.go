// Package export writes grown trees out for downstream tools: an ASCII
// USD scene for DCC import and a plain text table for quick inspection.
// Mesh and foliage generation stay out of scope; branches are exported
// as curve primitives.
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"plantgrow.dev/internal/sim/tree"
)

// WriteUSD writes t as an ASCII USD scene: a root Xform holding one
// linear BasisCurves prim per branch. Curved branches emit their full
// polyline, straight ones just the two endpoints. Prims are colored by
// cached light exposure, with a depth ramp for branches that have none.
func WriteUSD(w io.Writer, t *tree.Tree) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("#usda 1.0\n")
	bw.WriteString("(\n")
	bw.WriteString("    defaultPrim = \"Tree\"\n")
	bw.WriteString("    metersPerUnit = 1\n")
	bw.WriteString("    upAxis = \"Y\"\n")
	bw.WriteString(")\n\n")

	bw.WriteString("def Xform \"Tree\" (\n")
	bw.WriteString("    kind = \"component\"\n")
	bw.WriteString(")\n")
	bw.WriteString("{\n")

	for i, b := range t.Branches {
		pts := b.PathPoints(1)

		fmt.Fprintf(bw, "    def BasisCurves \"Branch_%d\"\n", i)
		bw.WriteString("    {\n")
		bw.WriteString("        uniform token type = \"linear\"\n")
		bw.WriteString("        uniform token basis = \"bezier\"\n")
		fmt.Fprintf(bw, "        int[] curveVertexCounts = [%d]\n", len(pts))

		bw.WriteString("        point3f[] points = [")
		for j, p := range pts {
			if j > 0 {
				bw.WriteString(", ")
			}
			fmt.Fprintf(bw, "(%s, %s, %s)", ftoa(p.X), ftoa(p.Y), ftoa(p.Z))
		}
		bw.WriteString("]\n")

		// Taper from the base radius to 80% at the tip.
		bw.WriteString("        float[] widths = [")
		for j := range pts {
			if j > 0 {
				bw.WriteString(", ")
			}
			frac := float32(j) / float32(len(pts)-1)
			bw.WriteString(ftoa(b.Radius * (1 - 0.2*frac)))
		}
		bw.WriteString("]\n")

		cr, cg, cb := displayColor(b)
		fmt.Fprintf(bw, "        color3f[] primvars:displayColor = [(%s, %s, %s)]\n", ftoa(cr), ftoa(cg), ftoa(cb))
		bw.WriteString("    }\n\n")
	}

	bw.WriteString("}\n")
	fmt.Fprintf(bw, "# %d branches\n", t.Len())
	return bw.Flush()
}

// ExportUSDFile writes the USD scene to path, creating parent
// directories as needed.
func ExportUSDFile(path string, t *tree.Tree) error {
	if err := writeFile(path, t, WriteUSD); err != nil {
		return fmt.Errorf("usd export: %w", err)
	}
	return nil
}

// displayColor picks the prim color: light exposure when the branch has
// any, else a ramp that darkens with depth.
func displayColor(b *tree.Branch) (r, g, bl float32) {
	if b.Exposure > 0 {
		e := b.Exposure
		return e, e * 0.8, 1 - e
	}
	dc := 1 - float32(b.Depth)*0.1
	if dc < 0.3 {
		dc = 0.3
	}
	return dc * 0.6, dc * 0.4, dc * 0.2
}

func ftoa(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

func writeFile(path string, t *tree.Tree, write func(io.Writer, *tree.Tree) error) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, t); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
