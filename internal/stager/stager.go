/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stager runs an external compressor (and optional encryptor) as a
// subprocess pipeline, stages the terminal output to a temporary file, and
// reports the final content length before anything is uploaded (spec.md
// §4.2). Durability of the staged file is never this package's concern --
// it is throwaway, and the blob store is responsible for durability.
package stager

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

// Filter is one external process in the pipeline, e.g. "lzop -c" or
// "gpg --encrypt -r KEYID".
type Filter struct {
	// Command is a shell-style command line, split with go-shellquote so a
	// filter may carry its own arguments (e.g. a configured --gpg-key-id).
	Command string
}

// Staged is the result of a successful Run: the path to the temporary file
// holding the filtered output, and its length in bytes.
type Staged struct {
	Path   string
	Length int64
}

// Pipeline runs a chain of Filters over an input stream and stages their
// combined output.
type Pipeline struct {
	Filters []Filter
	// TempDir is the caller-specified directory in which the staged file
	// is created, with mode 0600, and removed on every exit path.
	TempDir string
}

// Run copies input through the configured filter chain and stages the
// terminal output to a new temporary file in p.TempDir. fsync is
// deliberately never called on the staged file.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) (Staged, error) {
	logger := log.FromContext(ctx).WithName("stager")

	if len(p.Filters) == 0 {
		return Staged{}, pgerror.Fatal("stager.Run", fmt.Errorf("no filters configured"))
	}

	out, err := os.CreateTemp(p.TempDir, "pgarchive-stage-*")
	if err != nil {
		return Staged{}, pgerror.Fatal("stager.Run", fmt.Errorf("creating staging file: %w", err))
	}
	stagedPath := out.Name()
	cleanup := func() {
		_ = out.Close()
		_ = os.Remove(stagedPath)
	}
	if err := out.Chmod(0o600); err != nil {
		cleanup()
		return Staged{}, pgerror.Fatal("stager.Run", fmt.Errorf("chmod staging file: %w", err))
	}

	cmds := make([]*exec.Cmd, len(p.Filters))
	for i, f := range p.Filters {
		args, err := shellquote.Split(f.Command)
		if err != nil || len(args) == 0 {
			cleanup()
			return Staged{}, pgerror.Fatal("stager.Run", fmt.Errorf("parsing filter command %q: %w", f.Command, err))
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stderr = os.Stderr
		cmds[i] = cmd
	}

	// Wire stdin -> cmds[0] -> cmds[1] -> ... -> out.
	cmds[0].Stdin = input
	pipeWriters := make([]*io.PipeWriter, 0, len(cmds)-1)
	for i := 0; i < len(cmds)-1; i++ {
		r, w := io.Pipe()
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
		pipeWriters = append(pipeWriters, w)
	}
	cmds[len(cmds)-1].Stdout = out

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			killAll(cmds[:i])
			cleanup()
			return Staged{}, pgerror.Fatal("stager.Run", fmt.Errorf("starting filter %q: %w", p.Filters[i].Command, err))
		}
	}

	// Each cmds[i]'s stdout is the next command's stdin; os/exec never
	// closes that pipe writer once the process exits, so without closing
	// it here cmds[i+1] would block forever waiting for EOF.
	var wg sync.WaitGroup
	errs := make([]error, len(cmds))
	for i, cmd := range cmds {
		wg.Add(1)
		go func(i int, cmd *exec.Cmd) {
			defer wg.Done()
			err := cmd.Wait()
			if i < len(pipeWriters) {
				_ = pipeWriters[i].CloseWithError(err)
			}
			errs[i] = err
		}(i, cmd)
	}
	wg.Wait()

	var firstErr error
	for i, err := range errs {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("filter %q exited with error: %w", p.Filters[i].Command, err)
		}
	}

	if err := out.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing staged file: %w", err)
	}

	if firstErr != nil {
		logger.Debug("filter pipeline failed, staging file removed", "error", firstErr)
		_ = os.Remove(stagedPath)
		return Staged{}, pgerror.Integrity("stager.Run", firstErr)
	}

	info, err := os.Stat(stagedPath)
	if err != nil {
		_ = os.Remove(stagedPath)
		return Staged{}, pgerror.Fatal("stager.Run", fmt.Errorf("statting staged file: %w", err))
	}

	return Staged{Path: stagedPath, Length: info.Size()}, nil
}

// killAll sends an interrupt to every started process of a partially-started
// pipeline, then kills any that are still alive after a 5-second grace period.
func killAll(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(os.Interrupt)
	}
	time.AfterFunc(5*time.Second, func() {
		for _, cmd := range cmds {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	})
}

// StreamingPipeline runs the inverse filter chain (decompressor, optional
// decryptor) over input and exposes the terminal output as a stream,
// without staging to disk -- used by fetch paths that decode directly into
// a tar extractor.
type StreamingPipeline struct {
	Filters []Filter
}

type streamResult struct {
	reader *io.PipeReader
	cancel context.CancelFunc
	wait   func() error
}

// Read implements io.Reader, proxying the terminal filter's stdout.
func (s *streamResult) Read(p []byte) (int, error) { return s.reader.Read(p) }

// Close cancels the pipeline's context, which kills any filter process
// still running. It does not wait for the processes to exit and always
// returns nil; a filter's non-zero exit surfaces through Read instead.
func (s *streamResult) Close() error {
	err := s.wait()
	s.cancel()
	return err
}

// Run starts the filter chain over input and returns a reader for the
// terminal output. The caller must Close the returned stream once done
// reading (or on early abort) so any filter still running is killed.
func (p *StreamingPipeline) Run(ctx context.Context, input io.Reader) (io.ReadCloser, error) {
	if len(p.Filters) == 0 {
		return nil, pgerror.Fatal("stager.StreamingPipeline.Run", fmt.Errorf("no filters configured"))
	}
	childCtx, cancel := context.WithCancel(ctx)

	cmds := make([]*exec.Cmd, len(p.Filters))
	for i, f := range p.Filters {
		args, err := shellquote.Split(f.Command)
		if err != nil || len(args) == 0 {
			cancel()
			return nil, pgerror.Fatal("stager.StreamingPipeline.Run",
				fmt.Errorf("parsing filter command %q: %w", f.Command, err))
		}
		cmd := exec.CommandContext(childCtx, args[0], args[1:]...)
		cmd.Stderr = os.Stderr
		cmds[i] = cmd
	}

	cmds[0].Stdin = input
	pipeWriters := make([]*io.PipeWriter, 0, len(cmds)-1)
	for i := 0; i < len(cmds)-1; i++ {
		r, w := io.Pipe()
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
		pipeWriters = append(pipeWriters, w)
	}
	out, in := io.Pipe()
	cmds[len(cmds)-1].Stdout = in

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			killAll(cmds[:i])
			cancel()
			return nil, pgerror.Fatal("stager.StreamingPipeline.Run",
				fmt.Errorf("starting filter %q: %w", p.Filters[i].Command, err))
		}
	}

	// As in Pipeline.Run, each intermediate pipe writer must be closed once
	// its producing command exits, or the next command's stdin never sees
	// EOF and the chain hangs.
	for i := range cmds {
		i := i
		go func() {
			err := cmds[i].Wait()
			if i < len(pipeWriters) {
				_ = pipeWriters[i].CloseWithError(err)
				return
			}
			if err != nil {
				_ = in.CloseWithError(pgerror.Integrity("stager.StreamingPipeline.Run",
					fmt.Errorf("filter %q exited with error: %w", p.Filters[i].Command, err)))
				return
			}
			_ = in.Close()
		}()
	}

	return &streamResult{
		reader: out,
		cancel: cancel,
		wait:   func() error { return nil },
	}, nil
}

// Remove deletes the staged file. Callers must call this (or rely on Run's
// own cleanup on failure) once the staged file's content has been
// consumed, on every exit path.
func (s Staged) Remove() error {
	if s.Path == "" {
		return nil
	}
	return os.Remove(s.Path)
}

// Open opens the staged file for reading.
func (s Staged) Open() (*os.File, error) {
	return os.Open(s.Path)
}
