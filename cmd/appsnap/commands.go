package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tinyrange/appsnap/internal/blob"
	"github.com/tinyrange/appsnap/internal/config"
	"github.com/tinyrange/appsnap/internal/sections"
	"github.com/tinyrange/appsnap/internal/snapshot"
	"github.com/tinyrange/appsnap/internal/trailer"
	"golang.org/x/sync/errgroup"
)

func (a *app) inspect(args []string) error {
	fs := a.flagSet("inspect", "<path>...")
	fromMemory := fs.Bool("from-memory", a.cfg.Load.ForceLoadFromMemory, "Load ELF images from memory instead of the dynamic linker")
	decodeURI := fs.Bool("decode-uri", a.cfg.Load.DecodeURI, "Treat arguments as file URIs or percent-encoded paths")
	appended := fs.Bool("appended", false, "Only look for a snapshot embedded in an executable")
	jobs := fs.Int("j", runtime.NumCPU(), "Number of files probed concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("at least one path required")
	}

	loader := a.cfg.Loader(a.logger)
	opts := snapshot.LoadOptions{ForceLoadFromMemory: *fromMemory, DecodeURI: *decodeURI}

	reports := make([]string, fs.NArg())
	var g errgroup.Group
	g.SetLimit(max(1, *jobs))
	for i, path := range fs.Args() {
		i, path := i, path
		g.Go(func() error {
			var (
				snap snapshot.Snapshot
				err  error
			)
			if *appended {
				snap, err = loader.TryLoadAppended(path)
			} else {
				snap, err = loader.TryLoad(path, opts)
			}
			if err != nil {
				return err
			}
			if snap == nil {
				reports[i] = path + ": not a snapshot"
				return nil
			}
			defer snap.Close()

			reports[i] = describe(path, snap)
			return nil
		})
	}

	err := g.Wait()
	for _, r := range reports {
		if r != "" {
			fmt.Fprintln(a.stdout, r)
		}
	}
	return err
}

func describe(path string, snap snapshot.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", path, snap.Format())

	sd, sized := snap.(snapshot.SectionData)
	b := snap.Buffers()
	for _, s := range sections.All {
		switch {
		case sized:
			fmt.Fprintf(&sb, "\n  %-20s %d bytes", s, len(sd.Data().Get(s)))
		case b.Get(s) != 0:
			fmt.Fprintf(&sb, "\n  %-20s present", s)
		default:
			fmt.Fprintf(&sb, "\n  %-20s absent", s)
		}
	}
	return sb.String()
}

func (a *app) pack(args []string) (retErr error) {
	fs := a.flagSet("pack", "")
	out := fs.String("o", "", "Output blob path")
	var files [sections.Count]*string
	for _, s := range sections.All {
		files[s] = fs.String(s.String(), "", "File holding the "+s.String()+" section")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		fs.Usage()
		return fmt.Errorf("-o is required")
	}
	if *files[sections.IsolateData] == "" {
		return fmt.Errorf("-%s is required", sections.IsolateData)
	}

	var d sections.Data
	for _, s := range sections.All {
		if *files[s] == "" {
			continue
		}
		data, err := os.ReadFile(*files[s])
		if err != nil {
			return fmt.Errorf("read %s: %w", s, err)
		}
		d.Set(s, data)
	}

	f, err := os.OpenFile(*out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("close %s: %w", *out, err)
		}
	}()

	total := blob.ComputeLayout(blob.Header{Sizes: d.Sizes()}).End
	w, done := a.progressWriter(f, total, "pack "+filepath.Base(*out))
	n, err := blob.Write(w, d)
	done()
	if err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}

	a.logger.Info("wrote blob", slog.String("path", *out), slog.Int64("size", n))
	return nil
}

func (a *app) unpack(args []string) error {
	fs := a.flagSet("unpack", "<path>")
	dir := fs.String("o", ".", "Output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one path required")
	}
	path := fs.Arg(0)

	snap, err := a.cfg.Loader(a.logger).TryLoad(path, a.cfg.LoadOptions())
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("%s is not a snapshot", path)
	}
	defer snap.Close()

	sd, ok := snap.(snapshot.SectionData)
	if !ok {
		return fmt.Errorf("%s is a %s snapshot, only blob containers can be unpacked", path, snap.Format())
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	d := sd.Data()
	for _, s := range sections.All {
		data := d.Get(s)
		if len(data) == 0 {
			continue
		}
		name := filepath.Join(*dir, s.String()+".bin")
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", s, err)
		}
		a.logger.Info("wrote section", slog.String("section", s.String()), slog.String("path", name), slog.Int("size", len(data)))
	}
	return nil
}

func (a *app) embed(args []string) (retErr error) {
	fs := a.flagSet("embed", "<executable> <snapshot>")
	out := fs.String("o", "", "Output executable path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" || fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("-o and two paths required")
	}

	host, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open executable: %w", err)
	}
	defer host.Close()
	hostInfo, err := host.Stat()
	if err != nil {
		return fmt.Errorf("stat executable: %w", err)
	}

	payload, err := os.Open(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer payload.Close()
	payloadInfo, err := payload.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	f, err := os.OpenFile(*out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hostInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("close %s: %w", *out, err)
		}
	}()

	total := max(blob.RoundUp(hostInfo.Size(), blob.PageSize), blob.PageSize) + payloadInfo.Size() + trailer.Size
	w, done := a.progressWriter(f, total, "embed "+filepath.Base(*out))
	offset, err := trailer.Embed(w, host, payload)
	done()
	if err != nil {
		return fmt.Errorf("embed snapshot: %w", err)
	}

	a.logger.Info("embedded snapshot", slog.String("path", *out), slog.Int64("offset", offset))
	return nil
}

func (a *app) sniff(args []string) error {
	fs := a.flagSet("sniff", "<path>...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("at least one path required")
	}

	for _, path := range fs.Args() {
		kind := "not aot"
		if snapshot.IsAOTSnapshot(path) {
			kind = "aot"
		}
		fmt.Fprintf(a.stdout, "%s: %s\n", path, kind)
	}
	return nil
}

func (a *app) kernel(args []string) error {
	fs := a.flagSet("kernel", "<script>")
	out := fs.String("o", "", "Output kernel path")
	packages := fs.String("packages", a.cfg.Compiler.Packages, "Package configuration passed to the compiler")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" || fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("-o and a script path required")
	}

	g := &snapshot.Generator{
		Compiler: a.cfg.KernelCompiler(a.logger),
		Logger:   a.logger,
	}
	return g.GenerateKernel(*out, fs.Arg(0), *packages)
}

func (a *app) printConfig(args []string) error {
	fs := a.flagSet("config", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return config.Write(a.stdout, a.cfg)
}
