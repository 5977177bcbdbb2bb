package gdal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Runner executes engine operations by shelling out to the GDAL/OGR
// binaries. It is stateless and safe for concurrent use.
type Runner struct {
	warpBin string
	calcBin string
	vrtBin  string
	ogrBin  string
	infoBin string
	xyzBin  string

	// run is swapped out in tests to avoid spawning processes.
	run func(ctx context.Context, name string, args []string) ([]byte, error)
}

// NewRunner returns a Runner bound to the standard GDAL binary names on PATH.
func NewRunner() *Runner {
	r := &Runner{
		warpBin: "gdalwarp",
		calcBin: "gdal_calc",
		vrtBin:  "gdalbuildvrt",
		ogrBin:  "ogr2ogr",
		infoBin: "ogrinfo",
		xyzBin:  "gdal2xyz",
	}
	r.run = r.runExec
	return r
}

func (r *Runner) runExec(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w (%s)", name, err, tail(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

// tail returns the last n bytes of s with surrounding whitespace trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Apply builds and runs the command for req, returning the output path.
func (r *Runner) Apply(ctx context.Context, req Request) (string, error) {
	out := filepath.Join(req.Dir, req.Output)

	var bin string
	var args []string
	switch req.Op {
	case OpReprojectClip:
		bin, args = r.warpBin, warpArgs(req, out)
	case OpExpression:
		bin, args = r.calcBin, calcArgs(req, out)
	case OpMedian:
		bin, args = r.calcBin, medianArgs(req, out)
	case OpMosaic:
		list, err := writeInputList(req, out)
		if err != nil {
			return "", &TransformError{Op: req.Op, Err: err}
		}
		bin, args = r.vrtBin, vrtArgs(req, list, out)
	case OpVectorTranslate:
		bin, args = r.ogrBin, ogrArgs(req, out)
	case OpPixelExtract:
		bin, args = r.xyzBin, xyzArgs(req, out)
	default:
		return "", &TransformError{Op: req.Op, Err: fmt.Errorf("unknown operation")}
	}

	if _, err := r.run(ctx, bin, args); err != nil {
		return "", &TransformError{Op: req.Op, ExitDetail: err.Error(), Err: fmt.Errorf("non-zero exit")}
	}
	return out, nil
}

// writeInputList writes the mosaic inputs to a sidecar list file next to the
// output; gdalbuildvrt reads it via -input_file_list, which keeps long input
// sets off the command line.
func writeInputList(req Request, out string) (string, error) {
	list := strings.TrimSuffix(out, filepath.Ext(out)) + "_inputs.txt"
	return list, os.WriteFile(list, []byte(strings.Join(req.Inputs, "\n")+"\n"), 0o644)
}

func warpArgs(req Request, out string) []string {
	p := req.Params
	var args []string
	if p.Shape != nil {
		args = append(args, "-ts", strconv.Itoa(p.Shape.Width), strconv.Itoa(p.Shape.Height))
	}
	if p.Bounds != nil {
		args = append(args,
			"-te",
			formatFloat(p.Bounds.MinX), formatFloat(p.Bounds.MinY),
			formatFloat(p.Bounds.MaxX), formatFloat(p.Bounds.MaxY))
	}
	if p.CRS != "" {
		args = append(args, "-t_srs", p.CRS)
	}
	if p.DataType != "" {
		args = append(args, "-ot", p.DataType)
	}
	if p.NoData != "" {
		args = append(args, "-dstnodata", p.NoData)
	}
	for _, b := range p.Bands {
		args = append(args, "-b", strconv.Itoa(b))
	}
	for _, oo := range p.OpenOptions {
		args = append(args, "-oo", oo)
	}
	if p.COG {
		args = append(args, "-of", "COG")
	}
	if p.Cutline != "" {
		args = append(args, "-cutline", p.Cutline)
	}
	args = append(args, "-co", "COMPRESS=ZSTD", "-overwrite")
	if p.MemoryGB > 0 {
		args = append(args, "-wm", fmt.Sprintf("%dG", p.MemoryGB))
	}
	args = append(args, "-wo", "NUM_THREADS=ALL_CPUS", "-multi")
	args = append(args, req.Inputs...)
	return append(args, out)
}

func calcArgs(req Request, out string) []string {
	p := req.Params
	var args []string
	// Lettered sources in stable order so identical requests produce
	// identical command lines.
	letters := make([]string, 0, len(p.Sources))
	for l := range p.Sources {
		letters = append(letters, l)
	}
	sort.Strings(letters)
	for _, l := range letters {
		args = append(args, "-"+l, p.Sources[l])
	}
	args = append(args,
		"--outfile="+out,
		"--calc="+p.Formula,
		"--NoDataValue="+noDataOrZero(p.NoData),
		"--co=COMPRESS=ZSTD",
		"--type="+dataTypeOr(p.DataType, "UInt16"),
		"--overwrite")
	if p.AllBands != "" {
		args = append(args, "--allBands="+p.AllBands)
	}
	return args
}

func medianArgs(req Request, out string) []string {
	p := req.Params
	args := []string{"-A"}
	args = append(args, req.Inputs...)
	if p.SourceBand > 0 {
		args = append(args, "--A_band="+strconv.Itoa(p.SourceBand))
	}
	return append(args,
		"--calc="+p.Formula,
		"--outfile="+out,
		"--NoDataValue="+noDataOrZero(p.NoData),
		"--co=COMPRESS=ZSTD",
		"--type="+dataTypeOr(p.DataType, "UInt16"),
		"--overwrite")
}

func vrtArgs(req Request, list, out string) []string {
	var args []string
	if req.Params.Separate {
		args = append(args, "-separate")
	}
	return append(args, "-input_file_list", list, "-overwrite", out)
}

func ogrArgs(req Request, out string) []string {
	p := req.Params
	var args []string
	if p.MakeValid {
		args = append(args, "-makevalid", "-explodecollections")
	}
	if p.CRS != "" {
		args = append(args, "-t_srs", p.CRS)
	}
	if p.AssignCRS != "" {
		args = append(args, "-a_srs", p.AssignCRS)
	}
	if p.Append {
		args = append(args, "-append")
	}
	if p.SQL != "" {
		args = append(args, "-sql", p.SQL)
	}
	for _, lco := range p.LayerOptions {
		args = append(args, "-lco", lco)
	}
	for _, oo := range p.OpenOptions {
		args = append(args, "-oo", oo)
	}
	args = append(args, out)
	return append(args, req.Inputs...)
}

func xyzArgs(req Request, out string) []string {
	p := req.Params
	var args []string
	if p.SkipNoData {
		args = append(args, "-skipnodata")
	}
	for _, b := range p.Bands {
		args = append(args, "-b", strconv.Itoa(b))
	}
	args = append(args, "-csv")
	args = append(args, req.Inputs...)
	return append(args, out)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func noDataOrZero(nd string) string {
	if nd == "" {
		return "0"
	}
	return nd
}

func dataTypeOr(dt, fallback string) string {
	if dt == "" {
		return fallback
	}
	return dt
}

// ogrinfo -json -so payload, reduced to the fields consulted here.
type layerInfo struct {
	Layers []struct {
		GeometryFields []struct {
			Extent []float64 `json:"extent"`
		} `json:"geometryFields"`
		Features []FeatureRecord `json:"features"`
	} `json:"layers"`
}

// LayerExtent reads the extent of the first layer of a vector dataset.
func (r *Runner) LayerExtent(ctx context.Context, path string) (Bounds, error) {
	stdout, err := r.run(ctx, r.infoBin, []string{"-json", "-so", path})
	if err != nil {
		return Bounds{}, fmt.Errorf("layer info for %s: %w", path, err)
	}
	var info layerInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return Bounds{}, fmt.Errorf("decode layer info for %s: %w", path, err)
	}
	if len(info.Layers) == 0 || len(info.Layers[0].GeometryFields) == 0 {
		return Bounds{}, fmt.Errorf("no geometry layer in %s", path)
	}
	ext := info.Layers[0].GeometryFields[0].Extent
	if len(ext) != 4 {
		return Bounds{}, fmt.Errorf("malformed extent in %s: %v", path, ext)
	}
	return Bounds{MinX: ext[0], MinY: ext[1], MaxX: ext[2], MaxY: ext[3]}, nil
}

// Features lists the features of a remote catalog source intersecting the
// bounding box, filtered by the given attribute clause.
func (r *Runner) Features(ctx context.Context, source string, b Bounds, where string) ([]FeatureRecord, error) {
	args := []string{
		"-features", "-json",
		"-spat",
		formatFloat(b.MinX), formatFloat(b.MinY),
		formatFloat(b.MaxX), formatFloat(b.MaxY),
	}
	if where != "" {
		args = append(args, "-where", where)
	}
	args = append(args, source)

	stdout, err := r.run(ctx, r.infoBin, args)
	if err != nil {
		return nil, fmt.Errorf("catalog query %s: %w", source, err)
	}
	var info layerInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, fmt.Errorf("decode catalog response for %s: %w", source, err)
	}
	if len(info.Layers) == 0 {
		return nil, nil
	}
	return info.Layers[0].Features, nil
}
