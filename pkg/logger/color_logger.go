package logger

import (
	"fmt"
	"log"
)

type ColorLogger struct {
	*log.Logger
	plain bool
}

type Color string

const (
	ColorBlack  Color = "\u001b[30m"
	ColorRed    Color = "\u001b[31m"
	ColorGreen  Color = "\u001b[32m"
	ColorYellow Color = "\u001b[33m"
	ColorBlue   Color = "\u001b[34m"
	ColorReset  Color = "\u001b[0m"
)

type Option func(c *ColorLogger)

// WithoutColor prints the same lines without escape sequences, for logs that
// end up in files.
func WithoutColor() Option {
	return func(c *ColorLogger) {
		c.plain = true
	}
}

func NewColorLogger(lg *log.Logger, options ...Option) *ColorLogger {
	c := ColorLogger{
		Logger: lg,
	}
	for _, op := range options {
		op(&c)
	}
	return &c
}

func (c *ColorLogger) Printcf(color Color, format string, args ...interface{}) {
	c.Printc(color, fmt.Sprintf(format, args...))
}

func (c *ColorLogger) Printc(color Color, s string) {
	if c.plain {
		c.Print(s)
		return
	}
	c.Print(string(color) + s + string(ColorReset))
}

func (c *ColorLogger) Infof(format string, args ...interface{}) {
	c.Printcf(ColorBlue, format, args...)
}

func (c *ColorLogger) Successf(format string, args ...interface{}) {
	c.Printcf(ColorGreen, format, args...)
}

func (c *ColorLogger) Warnf(format string, args ...interface{}) {
	c.Printcf(ColorYellow, format, args...)
}

func (c *ColorLogger) Errorf(format string, args ...interface{}) {
	c.Printcf(ColorRed, format, args...)
}
