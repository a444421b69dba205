// Command tpsconvert converts Clarion TopSpeed database files into a
// SQLite database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/clarionkit/tpsconvert/core/convert"
	"github.com/clarionkit/tpsconvert/core/resilience"
	"github.com/clarionkit/tpsconvert/core/tps"
	"github.com/clarionkit/tpsconvert/internal/logging"
	"github.com/clarionkit/tpsconvert/internal/source"
)

const version = "0.1.0"

// CLI defines the command-line interface for tpsconvert.
var CLI struct {
	LogLevel  string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level"`
	LogFormat string `name:"log-format" default:"json" enum:"json,text" help:"Log output format"`

	Convert ConvertCmd `cmd:"" default:"withargs" help:"Convert TopSpeed files to a SQLite database"`
	Inspect InspectCmd `cmd:"" help:"List the tables and fields a source file holds"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// ConvertCmd converts one or more sources into a single SQLite file.
type ConvertCmd struct {
	Inputs []string `arg:"" help:"Input .tps/.phd/.mod/.phz files (.xz/.gz accepted)" type:"existingfile"`

	Output         string `name:"output" short:"o" required:"" help:"Destination SQLite file" type:"path"`
	CodePage       string `name:"code-page" default:"cp437" help:"Text code page (cp437, cp850, cp852, cp1250, cp1251, cp1252, latin1, utf-8)"`
	Profile        string `name:"profile" default:"auto" enum:"auto,small,medium,large,enterprise" help:"Memory profile"`
	MemoryLimitMB  int64  `name:"memory-limit" help:"Memory budget in MiB (0 uses the profile default)"`
	OnRowError     string `name:"on-row-error" default:"skip" enum:"skip,partial,abort" help:"What to do with records that fail to decode"`
	ParallelTables int    `name:"parallel-tables" default:"1" help:"Concurrent table decoders (enterprise profile only)"`
	Resume         bool   `name:"resume" help:"Continue from the checkpoints of an interrupted run"`
}

func (c *ConvertCmd) Run(_ *kong.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set, err := source.Open(c.Inputs)
	if err != nil {
		return err
	}
	defer set.Close()

	profile, ok := resilience.ParseProfile(c.Profile)
	if !ok {
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	policy, err := convert.ParseRowErrorPolicy(c.OnRowError)
	if err != nil {
		return err
	}

	rep, err := convert.Convert(ctx, convert.SourcesFromPaths(set.Files), c.Output, convert.Config{
		MemoryLimit:    c.MemoryLimitMB << 20,
		Profile:        profile,
		CodePage:       c.CodePage,
		OnRowError:     policy,
		ParallelTables: c.ParallelTables,
		Resume:         c.Resume,
	})
	if err != nil {
		return err
	}

	printReport(rep)
	switch {
	case rep.Cancelled:
		return fmt.Errorf("conversion interrupted; rerun with --resume to continue")
	case rep.TablesFailed > 0:
		return fmt.Errorf("%d of %d tables failed", rep.TablesFailed, rep.TablesTotal)
	}
	return nil
}

func printReport(rep *convert.Report) {
	fmt.Printf("Converted %d tables (%d ok, %d partial, %d failed) in %.1fs\n",
		rep.TablesTotal, rep.TablesOK, rep.TablesPartial, rep.TablesFailed, rep.ElapsedSeconds)
	fmt.Printf("  rows written:  %d\n", rep.RowsWritten)
	if rep.RowsSkipped > 0 {
		fmt.Printf("  rows skipped:  %d\n", rep.RowsSkipped)
	}
	if rep.CorruptPages > 0 {
		fmt.Printf("  corrupt pages: %d\n", rep.CorruptPages)
	}
	for _, tr := range rep.Tables {
		if tr.Status == convert.TableOK {
			continue
		}
		line := fmt.Sprintf("  %-8s %s (%d written, %d skipped)", tr.Status, tr.Name, tr.RowsWritten, tr.RowsSkipped)
		if tr.Err != nil {
			line += ": " + tr.Err.Error()
		}
		fmt.Println(line)
	}
}

// InspectCmd prints the table layout of each source without converting.
type InspectCmd struct {
	Inputs []string `arg:"" help:"Input .tps/.phd/.mod/.phz files (.xz/.gz accepted)" type:"existingfile"`
}

func (c *InspectCmd) Run(_ *kong.Context) error {
	set, err := source.Open(c.Inputs)
	if err != nil {
		return err
	}
	defer set.Close()

	for _, path := range set.Files {
		r, err := tps.NewReader(path, nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d pages, %d corrupt\n", path, r.PageCount(), r.CorruptPages())
		for _, num := range r.TableNumbers() {
			fmt.Printf("  table %d %q (~%d records)\n", num, r.TableName(num), r.EstimatedRecords(num))
			raw, err := r.RawDefinition(num)
			if err != nil {
				fmt.Println("    no definition")
				continue
			}
			def, err := tps.ParseTableDef(num, raw)
			if err != nil {
				fmt.Printf("    unparsable definition: %v\n", err)
				continue
			}
			fmt.Printf("    definition: %s, record length %d\n", def.Source, def.RecordLength)
			for _, f := range def.Fields {
				dims := ""
				if f.ElementCount > 1 {
					dims = fmt.Sprintf("[%d]", f.ElementCount)
				}
				fmt.Printf("      %-24s type 0x%02X%s len %d @ %d\n", f.Name, f.Type, dims, f.Length, f.Offset)
			}
			for _, m := range def.Memos {
				kind := "text"
				if m.Binary() {
					kind = "binary"
				}
				fmt.Printf("      %-24s memo (%s)\n", m.Name, kind)
			}
			for _, ix := range def.Indexes {
				unique := ""
				if ix.Unique {
					unique = " unique"
				}
				fmt.Printf("      %-24s index%s on %v\n", ix.Name, unique, ix.FieldOrdinals)
			}
		}
		r.Close()
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(_ *kong.Context) error {
	fmt.Printf("tpsconvert %s\n", version)
	return nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	}
	return logging.LevelInfo
}

func parseFormat(s string) logging.Format {
	if s == "text" {
		return logging.FormatText
	}
	return logging.FormatJSON
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("tpsconvert"),
		kong.Description("Clarion TopSpeed to SQLite converter"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	logging.InitLogger(parseLevel(CLI.LogLevel), parseFormat(CLI.LogFormat))
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
