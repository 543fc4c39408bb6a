package tlsecho

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync"
	"time"

	"4d63.com/tz"
)

// Verbose turns on the vv() debug lines. Lifecycle
// lines from alwaysPrintf are printed regardless.
var Verbose = false

// Quiet silences alwaysPrintf too; benchmarks and
// the load client set it.
var Quiet = false

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	if err != nil {
		gtz = time.UTC
	}
}

// SetLogTimezone switches the timestamps on our log
// lines to the named IANA zone, e.g. "America/Chicago".
func SetLogTimezone(name string) error {
	loc, err := tz.LoadLocation(name)
	if err != nil {
		return err
	}
	tsPrintfMut.Lock()
	gtz = loc
	tsPrintfMut.Unlock()
	return nil
}

func vv(format string, a ...interface{}) {
	if Verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	if !Quiet {
		tsPrintf(format, a...)
	}
}

var tsPrintfMut sync.Mutex

// so tests can capture our output.
var ourStdout io.Writer = os.Stdout

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	fmt.Fprintf(ourStdout, "\n%s %s ", fileLine(3), ts())
	fmt.Fprintf(ourStdout, format+"\n", a...)
	tsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(gtz).Format("2006-01-02 15:04:05.999 -0700 MST")
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
