// Command rangecalc prints the range mapping for a sample encoder calibration
// and checks that the midpoint of the raw range lands on 1500.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ericogr/rcinput-to-mqtt/pkg/rangemap"
)

const (
	lowestRead  = 52883
	highestRead = 64415
)

func main() {
	if err := report(os.Stdout, lowestRead, highestRead); err != nil {
		log.Fatal(err)
	}
}

func report(w io.Writer, lowest, highest float64) error {
	p, err := rangemap.Derive(lowest, highest)
	if err != nil {
		return err
	}
	middle, err := rangemap.CheckMiddle(lowest, highest)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "offset: %v, ratio: %v\n", p.Offset, p.Ratio)
	fmt.Fprintf(w, "adjusted middle should be %v: %s\n", rangemap.Mid, formatFloat(middle))
	return nil
}

// formatFloat prints the shortest representation, keeping ".0" on whole numbers.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eNI") {
		s += ".0"
	}
	return s
}
