// The qlexport program summarizes a recorded Quicklook capture file offline.
// It aggregates the whole file (not window by window) and writes NumPy
// arrays: per-channel event counts and one 64-bucket ADC histogram per
// channel for each of the three ADC values.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/quicklook"
	"gonum.org/v1/gonum/mat"
)

type fileSummary struct {
	counts   []int64
	histX    *mat.Dense // nchan x 64
	histGtop *mat.Dense
	histGbot *mat.Dense
	events   int64
	skipped  int64
	nodata   int64
}

func summarize(path string, nchan int) (*fileSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &fileSummary{
		counts:   make([]int64, nchan),
		histX:    mat.NewDense(nchan, quicklook.HistogramBins, nil),
		histGtop: mat.NewDense(nchan, quicklook.HistogramBins, nil),
		histGbot: mat.NewDense(nchan, quicklook.HistogramBins, nil),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 16384), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		ev, err := quicklook.DecodeEvent(line)
		if err != nil {
			s.skipped++
			continue
		}
		if ev.Flags.NoData {
			s.nodata++
			continue
		}
		if ev.Channel >= nchan {
			s.skipped++
			continue
		}
		s.events++
		s.counts[ev.Channel]++
		accumulate(s.histX, ev.Channel, ev.AdcX)
		accumulate(s.histGtop, ev.Channel, ev.AdcGtop)
		accumulate(s.histGbot, ev.Channel, ev.AdcGbot)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func accumulate(h *mat.Dense, ch, adc int) {
	b := quicklook.AdcBucket(adc)
	h.Set(ch, b, h.At(ch, b)+1)
}

func writeNpy(path string, data interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return npyio.Write(f, data)
}

func main() {
	nchan := flag.Int("nchan", 4, "number of detector channels in the capture")
	outdir := flag.String("outdir", ".", "directory for the output .npy files")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: qlexport [flags] capture.ndjson")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *nchan < 1 || *nchan > quicklook.MaxChannels {
		log.Fatalf("nchan must be in [1,%d]", quicklook.MaxChannels)
	}

	capture := flag.Arg(0)
	s, err := summarize(capture, *nchan)
	if err != nil {
		log.Fatalf("could not summarize %s: %v", capture, err)
	}

	base := strings.TrimSuffix(filepath.Base(capture), filepath.Ext(capture))
	outputs := []struct {
		suffix string
		data   interface{}
	}{
		{"counts", s.counts},
		{"hist_adc_x", s.histX},
		{"hist_adc_gtop", s.histGtop},
		{"hist_adc_gbot", s.histGbot},
	}
	for _, out := range outputs {
		name := filepath.Join(*outdir, fmt.Sprintf("%s_%s.npy", base, out.suffix))
		if err := writeNpy(name, out.data); err != nil {
			log.Fatalf("could not write %s: %v", name, err)
		}
		fmt.Printf("wrote %s\n", name)
	}
	fmt.Printf("%d events summarized (%d no-data records, %d lines skipped)\n",
		s.events, s.nodata, s.skipped)
}
