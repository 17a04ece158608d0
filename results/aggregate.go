package results

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
)

const (
	perfPrefix = "perf_"
	hwpcPrefix = "hwpc"
	csvExt     = ".csv"
	raplFile   = "rapl.csv"

	markerCores   = "power/energy-cores/"
	markerPkg     = "power/energy-pkg/"
	markerRAM     = "power/energy-ram/"
	markerElapsed = "seconds time elapsed"
)

// Frequencies are the sampling frequencies of the frequency variants.
var Frequencies = []string{"1", "10", "100", "1000"}

var (
	perfHeader = []string{"power_energy_pkg", "power_energy_ram", "power_energy_cores", "time_elapsed"}
	hwpcHeader = []string{"timestamp", "sensor", "target", "socket", "cpu",
		"rapl_energy_pkg", "rapl_energy_dram", "rapl_energy_cores", "time_enabled", "time_running"}

	consumptionTags = []string{"nb_core", "nb_ops_per_core", "iteration"}
	frequencyTags   = []string{"frequency", "iteration"}
)

// Aggregator turns the raw files of one results dir into CSV tables.
// Every item is attempted; failures are summarized in one AggregationError.
type Aggregator struct {
	stat stats.StatsReceiver
}

func NewAggregator(stat stats.StatsReceiver) *Aggregator {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Aggregator{stat: stat.Scope("results")}
}

// item is one raw file or raw dir and the function that aggregates it.
type item struct {
	path string
	fn   func(string) error
}

// Aggregate processes perf reports, then perf frequency reports, then hwpc
// dirs, then hwpc frequency dirs found directly in dir.
func (a *Aggregator) Aggregate(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "listing %s", dir)
	}

	var perf, perfFreq, hwpc, hwpcFreq []item
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)
		switch {
		case !e.IsDir() && strings.HasSuffix(name, csvExt):
		case !e.IsDir() && strings.HasPrefix(name, perfPrefix):
			perf = append(perf, item{path, aggregatePerfConsumption})
		case !e.IsDir() && hasFrequencyPrefix(name, "perf"):
			perfFreq = append(perfFreq, item{path, aggregatePerfFrequency})
		case e.IsDir() && strings.HasPrefix(name, hwpcPrefix):
			hwpc = append(hwpc, item{path, aggregateHwpcConsumption})
		case e.IsDir() && hasFrequencyPrefix(name, "hwpc"):
			hwpcFreq = append(hwpcFreq, item{path, aggregateHwpcFrequency})
		}
	}

	var errs error
	total, failed := 0, 0
	for _, group := range [][]item{perf, perfFreq, hwpc, hwpcFreq} {
		for _, it := range group {
			total++
			if err := it.fn(it.path); err != nil {
				failed++
				errs = multierr.Append(errs, errors.Wrapf(err, "%s", it.path))
				continue
			}
			a.stat.Counter(stats.ResultsAggregatedCounter).Inc(1)
		}
	}
	if errs == nil {
		log.WithFields(log.Fields{"dir": dir, "items": total}).Debug("Aggregated results")
		return nil
	}
	a.stat.Counter(stats.ResultsAggregationErrorCounter).Inc(int64(failed))
	return &fberrors.AggregationError{Failed: failed, Total: total, Err: errs}
}

func hasFrequencyPrefix(name, tool string) bool {
	for _, f := range Frequencies {
		if strings.HasPrefix(name, "frequency_"+f+"_"+tool) {
			return true
		}
	}
	return false
}

// perfConsumptionTags reads <cores>_<ops> from perf_<kind>_<cores>_<ops> or
// perf_<kind>_<x>_<cores>_<ops>.
func perfConsumptionTags(name string) ([]string, error) {
	parts := strings.Split(name, "_")
	var cores, ops string
	switch len(parts) {
	case 4:
		cores, ops = parts[2], parts[3]
	case 5:
		cores, ops = parts[3], parts[4]
	default:
		return nil, errors.Errorf("unexpected name %q", name)
	}
	return numbers(name, cores, ops)
}

// perfFrequencyTags reads <f> from frequency_<f>_perf_<kind>_<x>.
func perfFrequencyTags(name string) ([]string, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 {
		return nil, errors.Errorf("unexpected name %q", name)
	}
	return numbers(name, parts[1])
}

// hwpcConsumptionTags reads <cores>_<ops>_<iter> from the last three of 5 or
// 6 parts.
func hwpcConsumptionTags(name string) ([]string, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 && len(parts) != 6 {
		return nil, errors.Errorf("unexpected name %q", name)
	}
	n := len(parts)
	return numbers(name, parts[n-3], parts[n-2], parts[n-1])
}

// hwpcFrequencyTags reads <f> and <iter> from a 6 part subdir name.
func hwpcFrequencyTags(name string) ([]string, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 6 {
		return nil, errors.Errorf("unexpected name %q", name)
	}
	return numbers(name, parts[1], parts[5])
}

func numbers(name string, values ...string) ([]string, error) {
	for _, v := range values {
		if _, err := strconv.ParseUint(v, 10, 32); err != nil {
			return nil, errors.Errorf("unexpected name %q: %q is not a number", name, v)
		}
	}
	return values, nil
}

func aggregatePerfConsumption(path string) error {
	tags, err := perfConsumptionTags(filepath.Base(path))
	if err != nil {
		return err
	}
	return aggregatePerf(path, consumptionTags, func(iteration int) []string {
		return append(append([]string{}, tags...), strconv.Itoa(iteration))
	})
}

func aggregatePerfFrequency(path string) error {
	tags, err := perfFrequencyTags(filepath.Base(path))
	if err != nil {
		return err
	}
	return aggregatePerf(path, frequencyTags, func(iteration int) []string {
		return []string{tags[0], strconv.Itoa(iteration)}
	})
}

// aggregatePerf rewrites <path>.csv with one row per "seconds time elapsed"
// line of a perf stat report. Energy markers seen before that line fill the
// row; absent ones stay empty.
func aggregatePerf(path string, tagHeader []string, tags func(iteration int) []string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(path + csvExt)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	if err := w.Write(append(append([]string{}, perfHeader...), tagHeader...)); err != nil {
		out.Close()
		return err
	}

	var errs error
	var pkg, ram, cores string
	iteration := 1
	scanner := bufio.NewScanner(in)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		var dst *string
		switch {
		case strings.Contains(line, markerCores):
			dst = &cores
		case strings.Contains(line, markerPkg):
			dst = &pkg
		case strings.Contains(line, markerRAM):
			dst = &ram
		case strings.Contains(line, markerElapsed):
			elapsed, err := firstNumber(line, false)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "line %d", lineNo))
				continue
			}
			record := append([]string{pkg, ram, cores, elapsed}, tags(iteration)...)
			if err := w.Write(record); err != nil {
				errs = multierr.Append(errs, err)
			}
			iteration++
			pkg, ram, cores = "", "", ""
			continue
		default:
			continue
		}
		v, err := firstNumber(line, true)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "line %d", lineNo))
			continue
		}
		*dst = v
	}
	errs = multierr.Append(errs, scanner.Err())
	w.Flush()
	errs = multierr.Append(errs, w.Error())
	return multierr.Append(errs, out.Close())
}

// firstNumber returns the first whitespace separated field of line as a
// canonical float, optionally dropping thousands separators first.
func firstNumber(line string, stripCommas bool) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", errors.New("empty line")
	}
	v := fields[0]
	if stripCommas {
		v = strings.ReplaceAll(v, ",", "")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return "", errors.Errorf("malformed value %q", fields[0])
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func aggregateHwpcConsumption(dir string) error {
	return aggregateHwpc(dir, consumptionTags, hwpcConsumptionTags)
}

func aggregateHwpcFrequency(dir string) error {
	return aggregateHwpc(dir, frequencyTags, hwpcFrequencyTags)
}

// aggregateHwpc replaces <parent>/<dir>.csv with the rapl.csv rows of every
// subdir of dir, each tagged with values read from the subdir name.
func aggregateHwpc(dir string, tagHeader []string, tagsOf func(string) ([]string, error)) error {
	output := filepath.Clean(dir) + csvExt
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", output)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var errs error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tags, err := tagsOf(e.Name())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		raw := filepath.Join(dir, e.Name(), raplFile)
		if err := appendHwpcRows(raw, output, tagHeader, tags); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "%s", raw))
		}
	}
	return errs
}

// hwpcColumn describes one column of a raw rapl.csv.
type hwpcColumn struct {
	name     string
	integer  bool
	optional bool
}

var hwpcRawColumns = []hwpcColumn{
	{"timestamp", true, false},
	{"sensor", false, false},
	{"target", false, false},
	{"socket", true, false},
	{"cpu", true, false},
	{"RAPL_ENERGY_PKG", true, true},
	{"RAPL_ENERGY_DRAM", true, true},
	{"RAPL_ENERGY_CORES", true, true},
	{"time_enabled", true, false},
	{"time_running", true, false},
}

// appendHwpcRows appends the rows of raw to output, writing the header only
// when output does not exist yet. Malformed rows are skipped and reported.
func appendHwpcRows(raw, output string, tagHeader, tags []string) error {
	in, err := os.Open(raw)
	if err != nil {
		return err
	}
	defer in.Close()
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return errors.Wrap(err, "reading header")
	}
	index := map[string]int{}
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, c := range hwpcRawColumns {
		if _, ok := index[c.name]; !ok && !c.optional {
			return errors.Errorf("missing column %q", c.name)
		}
	}

	_, statErr := os.Stat(output)
	created := os.IsNotExist(statErr)
	out, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	var errs error
	if created {
		errs = multierr.Append(errs, w.Write(append(append([]string{}, hwpcHeader...), tagHeader...)))
	}

	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithFields(log.Fields{"file": raw, "line": line}).Warnf("Raw row malformed: %v", err)
			errs = multierr.Append(errs, errors.Wrapf(err, "line %d", line))
			continue
		}
		row, err := hwpcRow(index, record)
		if err != nil {
			log.WithFields(log.Fields{"file": raw, "line": line}).Warnf("Raw row malformed: %v", err)
			errs = multierr.Append(errs, errors.Wrapf(err, "line %d", line))
			continue
		}
		errs = multierr.Append(errs, w.Write(append(row, tags...)))
	}
	w.Flush()
	errs = multierr.Append(errs, w.Error())
	return multierr.Append(errs, out.Close())
}

func hwpcRow(index map[string]int, record []string) ([]string, error) {
	row := make([]string, 0, len(hwpcRawColumns))
	for _, c := range hwpcRawColumns {
		v := ""
		if i, ok := index[c.name]; ok && i < len(record) {
			v = strings.TrimSpace(record[i])
		}
		switch {
		case v == "" && c.optional:
		case v == "":
			return nil, errors.Errorf("missing %s", c.name)
		case c.integer:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return nil, errors.Errorf("%s: %q is not an integer", c.name, v)
			}
		}
		row = append(row, v)
	}
	return row, nil
}
