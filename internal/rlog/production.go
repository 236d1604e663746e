package rlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Format selects the wire shape of emitted log lines.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures a Production logger.
type Options struct {
	ServiceName string
	Component   string
	Format      Format // defaults to FormatJSON
	Level       string // "debug" enables Debug output; anything else suppresses it
	Output      io.Writer
}

// Production is a JSON-lines (or human-readable text) structured logger
// writing to stdout by default. There is no external logging dependency:
// one writer, one timestamp format, one field map per line.
type Production struct {
	serviceName string
	component   string
	format      Format
	debug       bool
	out         io.Writer
}

// New builds a Production logger from opts, applying sane defaults.
func New(opts Options) *Production {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	format := opts.Format
	if format == "" {
		format = FormatJSON
	}
	return &Production{
		serviceName: opts.ServiceName,
		component:   opts.Component,
		format:      format,
		debug:       strings.EqualFold(opts.Level, "debug"),
		out:         out,
	}
}

func (p *Production) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *Production) Info(msg string, fields map[string]interface{}) {
	p.write("INFO", msg, fields, "")
}

func (p *Production) Warn(msg string, fields map[string]interface{}) {
	p.write("WARN", msg, fields, "")
}

func (p *Production) Error(msg string, fields map[string]interface{}) {
	p.write("ERROR", msg, fields, "")
}

func (p *Production) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.write("DEBUG", msg, fields, "")
	}
}

func (p *Production) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write("INFO", msg, fields, requestID(ctx))
}

func (p *Production) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write("WARN", msg, fields, requestID(ctx))
}

func (p *Production) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write("ERROR", msg, fields, requestID(ctx))
}

func (p *Production) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.write("DEBUG", msg, fields, requestID(ctx))
	}
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := RequestIDFromContext(ctx)
	return id
}

func (p *Production) write(level, msg string, fields map[string]interface{}, requestID string) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	if p.format == FormatJSON {
		entry := make(map[string]interface{}, len(fields)+5)
		entry["timestamp"] = ts
		entry["level"] = level
		entry["service"] = p.serviceName
		entry["component"] = p.component
		entry["message"] = msg
		if requestID != "" {
			entry["request_id"] = requestID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.out, string(data))
		}
		return
	}

	var b strings.Builder
	if requestID != "" {
		fmt.Fprintf(&b, "[req=%s] ", requestID)
	}
	for k, v := range fields {
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	fmt.Fprintf(p.out, "%s [%s] [%s/%s] %s %s\n", ts, level, p.serviceName, p.component, msg, b.String())
}
