// Package engine contains the generation orchestrator: the top-level "get me
// a report" operation that ties the fake queue, overlay manager, fingerprint
// engine and report store together around one external tool invocation.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/testfold/reportcache/internal/config"
	"github.com/testfold/reportcache/internal/fakes"
	"github.com/testfold/reportcache/internal/filesystem"
	"github.com/testfold/reportcache/internal/fingerprint"
	"github.com/testfold/reportcache/internal/overlay"
	"github.com/testfold/reportcache/internal/store"
)

// Result is the outcome of one Generate call.
type Result struct {
	// ArtifactPath is the stored artifact's absolute path. Empty on the
	// fatal failures.
	ArtifactPath string
	// ArtifactName is the artifact's filename within the store.
	ArtifactName string
	// Reused reports a cache hit: the tool was not invoked.
	Reused bool
	// Fingerprint is the identity the call was cached under.
	Fingerprint fingerprint.Fingerprint
	// Outcomes holds the per-entry results of the fake apply pass.
	Outcomes []overlay.Outcome
	// ToolExit is the external tool's exit status (0 on reuse).
	ToolExit int
	// RevertErr carries the cleanup outcome. A revert failure does not fail
	// the call: the generation result reflects generation, not teardown.
	RevertErr error
}

// Engine orchestrates report generation.
type Engine struct {
	Opts    *config.Options
	FS      filesystem.FileSystem
	Logger  *slog.Logger
	Queue   *fakes.Queue
	Overlay *overlay.Manager
	Store   *store.Store
	Runner  ToolRunner
}

// New creates an Engine with its dependencies.
func New(
	opts *config.Options,
	fsys filesystem.FileSystem,
	logger *slog.Logger,
	queue *fakes.Queue,
	ov *overlay.Manager,
	st *store.Store,
	runner ToolRunner,
) *Engine {
	return &Engine{
		Opts:    opts,
		FS:      fsys,
		Logger:  logger,
		Queue:   queue,
		Overlay: ov,
		Store:   st,
		Runner:  runner,
	}
}

// Generate produces (or reuses) a report for the given parameters and
// namespace. The sequence: fingerprint the invocation, consult the store,
// on a miss apply the queued fakes, run the external tool, extract the
// artifact path from its output, relocate artifact and side files into the
// store, append the database record, and revert the fakes unless the caller
// opted out.
func (e *Engine) Generate(ctx context.Context, params, namespace string, skipRevert bool, expectStatus string) (Result, error) {
	var res Result

	if namespace == "" {
		namespace = config.DefaultNamespace
	}
	wantLow, wantHigh, err := ParseStatusRange(expectStatus)
	if err != nil {
		return res, err
	}

	// Freeze the queue's serialized form now: it is both the fingerprint
	// input and the fake manifest stored next to the artifact.
	fakeManifest, err := e.Queue.Raw()
	if err != nil {
		return res, err
	}

	fp, err := fingerprint.Compute(params, namespace, fakeManifest)
	if err != nil {
		return res, err
	}
	res.Fingerprint = fp
	e.Logger.Info("Generate requested", "params", params, "namespace", namespace, "fingerprint", fp.String())

	if hit, err := e.Store.Lookup(fp); err != nil {
		e.Logger.Warn("Cache lookup failed, regenerating", "error", err)
	} else if hit != nil {
		if err := e.Store.RefreshLatest(hit.Filename); err != nil {
			e.Logger.Warn("Failed to refresh latest-artifact marker on reuse", "error", err)
		}
		res.Reused = true
		res.ArtifactName = hit.Filename
		res.ArtifactPath = e.Store.ArtifactPath(hit.Filename)
		return res, nil
	}

	outcomes, err := e.Overlay.ApplyAll()
	if err != nil {
		return res, err
	}
	res.Outcomes = outcomes

	if containsToken(params, "--build") {
		e.Logger.Error("Build mode is not supported", "params", params)
		return res, fmt.Errorf("%w: cannot post-process --build invocations", ErrUnsupportedMode)
	}

	interactive := !containsToken(params, "--batch")
	var capture bytes.Buffer
	exit, err := e.Runner.Run(ctx, e.Opts.Tool, strings.Fields(params), interactive, &capture)
	if err != nil {
		return res, err
	}
	res.ToolExit = exit
	if exit < wantLow || exit > wantHigh {
		e.Logger.Error("Tool exit status outside accepted bound", "status", exit, "want_low", wantLow, "want_high", wantHigh)
		return res, &ToolExitError{ExitStatus: exit, WantLow: wantLow, WantHigh: wantHigh}
	}

	artifactPath, ok := scanArtifactPath(capture.String(), e.Opts.MarkerRegexp())
	if !ok {
		e.Logger.Error("Tool output lacked the artifact location marker")
		return res, ErrArtifactNotRecognized
	}
	e.Logger.Info("Artifact produced", "path", artifactPath)

	checksumPath := artifactPath + store.SuffixChecksum
	if _, err := e.FS.Stat(checksumPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.Logger.Warn("Cannot access tool checksum file", "path", checksumPath, "error", err)
		}
		checksumPath = ""
	}

	name, err := e.Store.AdmitArtifact(artifactPath, checksumPath)
	if err != nil {
		return res, err
	}
	res.ArtifactName = name
	res.ArtifactPath = e.Store.ArtifactPath(name)

	if err := e.Store.RefreshLatest(name); err != nil {
		e.Logger.Warn("Failed to refresh latest-artifact marker", "error", err)
	}

	if err := e.Store.Append(store.Record{ReuseCount: 1, Fingerprint: fp, Filename: name}); err != nil {
		return res, err
	}

	if err := e.Store.WriteSideFiles(name, params, fakeManifest, capture.Bytes()); err != nil {
		return res, err
	}
	entries, err := store.ListArchive(e.FS, res.ArtifactPath)
	if err != nil {
		e.Logger.Warn("Failed to compute artifact listing", "artifact", name, "error", err)
		entries = nil
	}
	if err := e.Store.WriteListing(name, entries); err != nil {
		return res, err
	}

	hadFakes := strings.TrimSpace(fakeManifest) != ""
	if !(skipRevert && hadFakes) {
		// The revert's own result is surfaced on the Result but never fails
		// the call.
		res.RevertErr = e.Overlay.RevertAll()
		if res.RevertErr != nil {
			e.Logger.Error("Revert after generation failed", "error", res.RevertErr)
		}
	}

	return res, nil
}

// ParseStatusRange parses the expected-exit-status convention used throughout
// the harness: blank or "default" means 0, "N" a single status, "N-M" an
// inclusive range.
func ParseStatusRange(s string) (low, high int, err error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "default" {
		return 0, 0, nil
	}
	if lowStr, highStr, found := strings.Cut(s, "-"); found {
		low, err = strconv.Atoi(lowStr)
		if err == nil {
			high, err = strconv.Atoi(highStr)
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%w: invalid status range %q", ErrUsage, s)
		}
		if low > high {
			return 0, 0, fmt.Errorf("%w: inverted status range %q", ErrUsage, s)
		}
		return low, high, nil
	}
	single, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid status %q", ErrUsage, s)
	}
	return single, single, nil
}

// scanArtifactPath locates the two-line marker sequence in the tool's
// combined output: a line matching the marker pattern followed by the
// artifact's path on the next non-blank line.
func scanArtifactPath(output string, marker *regexp.Regexp) (string, bool) {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if !marker.MatchString(line) {
			continue
		}
		for _, candidate := range lines[i+1:] {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			if strings.Contains(candidate, ".tar") {
				return candidate, true
			}
			break
		}
	}
	return "", false
}

func containsToken(params, token string) bool {
	for _, field := range strings.Fields(params) {
		if field == token {
			return true
		}
	}
	return false
}
