//go:build ruleguard

// Package gorules holds go-ruleguard checks for eqcutil conventions, run
// through gocritic's ruleguard checker.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// StdLogger flags the standard log package. Packages log through their
// GetLogger module logger so output honours the configured levels and
// destinations.
func StdLogger(m dsl.Matcher) {
	m.Match(`log.Printf($*_)`, `log.Println($*_)`, `log.Print($*_)`, `log.Fatalf($*_)`, `log.Fatal($*_)`).
		Where(m.File().Imports("log")).
		Report("use the package GetLogger() instead of the standard log package")
}

// ErrorWithoutComponent flags enhanced errors built without a component,
// which leaves them unattributed in telemetry.
func ErrorWithoutComponent(m dsl.Matcher) {
	m.Match(`errors.New($e).Build()`, `errors.New($e).Category($_).Build()`, `errors.Newf($*_).Build()`).
		Where(m.File().Imports("github.com/seisreview/eqcutil/internal/errors")).
		Report("set Component() on enhanced errors")
}

// NowSub prefers time.Since for elapsed time.
func NowSub(m dsl.Matcher) {
	m.Match(`time.Now().Sub($t)`).
		Report("use time.Since($t)").
		Suggest("time.Since($t)")
}

// UntilNow prefers time.Until for remaining time.
func UntilNow(m dsl.Matcher) {
	m.Match(`$t.Sub(time.Now())`).
		Report("use time.Until($t)").
		Suggest("time.Until($t)")
}

// LocalTimeFormat flags hand written ISO layouts. Waveform and catalog
// times are UTC and serialised as RFC 3339.
func LocalTimeFormat(m dsl.Matcher) {
	m.Match(`$t.Format("2006-01-02T15:04:05Z")`, `$t.Format("2006-01-02T15:04:05Z07:00")`).
		Report("use $t.UTC().Format(time.RFC3339) or time.RFC3339Nano")
}

// WaitGroupGo prefers sync.WaitGroup.Go over Add/Done pairs.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`).
		Where(m["wg"].Type.Is("sync.WaitGroup") || m["wg"].Type.Is("*sync.WaitGroup")).
		Report("use $wg.Go(func() { ... })").
		Suggest("$wg.Go(func() { $body })")
}
