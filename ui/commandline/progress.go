// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for command-line programs
// driving a distributed run: an epoch progress display that only renders on the
// main rank, so N cooperating processes sharing a terminal don't write over each
// other.
package commandline

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

var summaryStyle = lipgloss.NewStyle().Faint(true)

// Progress displays epoch progress of a sharded loader on the terminal.
//
// Every rank can call its methods unconditionally; rendering happens only on the
// main rank (through distributed.OnMain), all other ranks do nothing at all.
type Progress struct {
	ctx         *distributed.Context
	w           io.Writer
	bar         *progressbar.ProgressBar
	numSteps    int
	numExamples int
	count       int

	step func(int)
	done func(struct{})
}

// NewProgress creates a progress display for an epoch of numSteps steps over
// numExamples examples, described by name. Output goes to os.Stdout.
func NewProgress(c *distributed.Context, name string, numSteps, numExamples int) *Progress {
	return newProgress(c, name, numSteps, numExamples, os.Stdout)
}

func newProgress(c *distributed.Context, name string, numSteps, numExamples int, w io.Writer) *Progress {
	p := &Progress{
		ctx:         c,
		w:           w,
		numSteps:    numSteps,
		numExamples: numExamples,
	}
	p.step = distributed.OnMain(c, p.renderStep)
	p.done = distributed.OnMain(c, p.renderDone)
	distributed.OnMain(c, func(name string) {
		p.bar = progressbar.NewOptions(numSteps,
			progressbar.OptionSetDescription(fmt.Sprintf("%s: ", name)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(ProgressbarStyle),
			progressbar.OptionSetWriter(w),
		)
	})(name)
	return p
}

// Step reports that this rank finished one step with a batch of batchSize examples.
func (p *Progress) Step(batchSize int) {
	p.step(batchSize)
}

// Done finishes the display, printing a one-line summary.
func (p *Progress) Done() {
	p.done(struct{}{})
}

func (p *Progress) renderStep(batchSize int) {
	p.count += batchSize * p.ctx.NumProcesses()
	_ = p.bar.Add(1)
}

func (p *Progress) renderDone(struct{}) {
	_ = p.bar.Finish()
	out := termenv.NewOutput(p.w)
	out.WriteString("\n")
	out.WriteString(summaryStyle.Render(fmt.Sprintf("%s examples across %d ranks",
		humanize.Comma(int64(p.count)), p.ctx.NumProcesses())))
	out.WriteString("\n")
}
