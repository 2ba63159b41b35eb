// Package logger configures logrus and prefixes human readable log lines
// with the component that logged them.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// NamespaceFormatter is a logrus formatter that moves the 'component' field
// into a prefix for nicer formatted text output.
type NamespaceFormatter struct {
	Parent logrus.Formatter
}

// Format implements logrus.Formatter
func (f *NamespaceFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if c, ok := entry.Data["component"].(string); ok {
		// Work on a copy, the entry may be shared with other hooks
		e := *entry
		e.Data = make(logrus.Fields, len(entry.Data))
		for k, v := range entry.Data {
			if k != "component" {
				e.Data[k] = v
			}
		}
		e.Message = fmt.Sprintf("[%-16s] %s", c, entry.Message)
		return f.Parent.Format(&e)
	}
	return f.Parent.Format(entry)
}
