package logger

import (
	"github.com/ManouchehrRasoulli/dirwatch/pkg/watcher"
)

var kindColors = map[watcher.Kind]Color{
	watcher.Created:  ColorGreen,
	watcher.Modified: ColorYellow,
	watcher.Deleted:  ColorRed,
}

// EventPrinter returns a listener that writes one colored line per change.
func EventPrinter(c *ColorLogger) watcher.Listener {
	return watcher.HookFunc(func(e watcher.Event) error {
		color, ok := kindColors[e.Kind]
		if !ok {
			color = ColorBlue
		}
		c.Printcf(color, "event :: %s", e)
		return nil
	})
}
