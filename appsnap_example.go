//go:build ignore

// This file demonstrates every public API in the appsnap package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/appsnap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// Write - blob container from section contents
	// =========================================================================
	path := "app.snap"
	if err := appsnap.Write(path, appsnap.Data{
		IsolateData:         []byte("isolate data"),
		IsolateInstructions: []byte{0xc3},
	}); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	// =========================================================================
	// IsAOTSnapshot - cheap format check
	// =========================================================================
	fmt.Println("aot:", appsnap.IsAOTSnapshot(path))

	// =========================================================================
	// TryLoad - probe every container format
	// =========================================================================
	snap, err := appsnap.TryLoad(path,
		appsnap.WithDecodeURI(),
		appsnap.WithLogger(slog.Default()),
	)
	var loadErr *appsnap.LoadError
	switch {
	case errors.As(err, &loadErr):
		return fmt.Errorf("%s snapshot is damaged: %w", loadErr.Format, loadErr.Err)
	case err != nil:
		return err
	case snap == nil:
		return fmt.Errorf("%s is not a snapshot", path)
	}
	defer snap.Close()

	b := snap.Buffers()
	fmt.Printf("%s: isolate data at %#x\n", snap.Format(), b.Get(appsnap.IsolateData))
	if sd, ok := snap.(appsnap.SectionData); ok {
		fmt.Println("isolate data bytes:", len(sd.Data().IsolateData))
	}

	// =========================================================================
	// Loader - explicit configuration
	// =========================================================================
	l := appsnap.NewLoader()
	l.Precompiled = false
	if other, err := l.TryLoadAppended(os.Args[0]); err == nil && other != nil {
		other.Close()
	}

	// =========================================================================
	// MustLoad - exits the process on a damaged snapshot
	// =========================================================================
	if s := appsnap.MustLoad(path, appsnap.WithLoadFromMemory()); s != nil {
		s.Close()
	}
	return nil
}
