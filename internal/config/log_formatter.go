package config

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ScFormatter is a compact colored console formatter.
type ScFormatter struct{}

func (f *ScFormatter) Format(entry *log.Entry) ([]byte, error) {
	const (
		red    = 31
		yellow = 33
		blue   = 36
		gray   = 37
		cyan   = 96
	)

	levelColor := blue
	switch entry.Level {
	case log.TraceLevel, log.DebugLevel:
		levelColor = gray
	case log.WarnLevel:
		levelColor = yellow
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		levelColor = red
	}

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "\x1b[%dm%s\x1b[0m", levelColor, strings.ToUpper(entry.Level.String())[:4])
	fmt.Fprintf(buf, " %s", entry.Time.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(buf, " %s", entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, " \x1b[%dm%s\x1b[0m=%v", cyan, k, entry.Data[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
