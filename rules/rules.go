//go:build ruleguard

// Package gorules contains custom linting rules for golangci-lint via ruleguard.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo detects goroutines tracked by hand instead of with wg.Go.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(`go func() { defer $wg.Done(); $*_ }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup")).
		Report("Use $wg.Go(func() { ... }) instead of go func() { defer $wg.Done(); ... }()").
		Suggest("$wg.Go(func() { $*_ })")

	m.Match(`$wg.Add(1)`).
		Where(m["wg"].Type.Is("*sync.WaitGroup")).
		Report("wg.Add(1) followed by a goroutine should be $wg.Go(...)")
}

// LoggerErrorField keeps errors under the standard "error" key.
func LoggerErrorField(m dsl.Matcher) {
	m.Import("github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger")

	m.Match(`logger.Any($key, $err)`).
		Where(m["err"].Type.Implements("error")).
		Report("Use logger.Error($err) for errors").
		Suggest("logger.Error($err)")

	m.Match(`logger.String($key, $err.Error())`).
		Where(m["err"].Type.Implements("error")).
		Report("Use logger.Error($err) for errors").
		Suggest("logger.Error($err)")
}

// EnhancedErrorBuild flags error builders that are never built.
func EnhancedErrorBuild(m dsl.Matcher) {
	m.Import("github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors")

	m.Match(`return errors.New($err).$_($*_)`, `return errors.Newf($*_).$_($*_)`).
		Where(!m.File().PkgPath.Matches(`internal/errors$`)).
		Report("error builder returned without .Build()")
}

// SleepInTests flags time.Sleep used for synchronization in tests.
func SleepInTests(m dsl.Matcher) {
	m.Match(`time.Sleep($d)`).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("Avoid time.Sleep in tests; wait on a channel or use require.Eventually")
}
