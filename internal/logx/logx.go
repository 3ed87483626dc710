// Package logx sets up the structured logger and the coloured console the
// command line tools print progress with.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// New returns a text logger writing to out at level. verbose forces debug.
func New(out io.Writer, level string, verbose bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})

	if verbose {
		level = "debug"
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	return logger, nil
}

type Kind string

const (
	Debug   Kind = "debug"
	Success Kind = "success"
	Error   Kind = "error"
	Warning Kind = "warning"
	Info    Kind = "info"
)

var kindColor = map[Kind]color.Attribute{
	Debug:   color.FgHiBlue,
	Success: color.FgHiGreen,
	Error:   color.FgHiRed,
	Warning: color.FgHiYellow,
}

// Console prints timestamped lines, coloured by kind.
type Console struct {
	Out     io.Writer
	NoColor bool
	Now     func() time.Time
	Exit    func(code int)

	mu sync.Mutex
}

func NewConsole(out io.Writer) *Console {
	return &Console{Out: out}
}

func (c *Console) Log(kind Kind, format string, args ...interface{}) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	s := fmt.Sprintf("[%v] %v", now().Local().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))

	c.mu.Lock()
	defer c.mu.Unlock()

	attr, ok := kindColor[kind]
	if !ok {
		fmt.Fprintln(c.Out, s)
		return
	}
	p := color.New(attr)
	if c.NoColor {
		p.DisableColor()
	}
	p.Fprintln(c.Out, s)
}

// Check logs a non-nil err and exits with status 1.
func (c *Console) Check(err error) {
	if err == nil {
		return
	}
	c.Log(Error, "%v", err)
	exit := os.Exit
	if c.Exit != nil {
		exit = c.Exit
	}
	exit(1)
}
