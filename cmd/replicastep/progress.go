// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar displays the progress of the steps of replica 0, with a table of stats that is redrawn
// asynchronously, so a slow terminal doesn't slow down the replicas.
type progressBar struct {
	numSteps  int
	bar       *progressbar.ProgressBar
	startTime time.Time

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressUpdate
	updatesDone   sync.WaitGroup
}

type progressUpdate struct {
	step        int
	loss        float64
	stepsMarked int64
}

func newProgressBar(numSteps int, numReplicas int) *progressBar {
	pBar := &progressBar{
		numSteps:      numSteps,
		startTime:     time.Now(),
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		updates:       make(chan progressUpdate, 100), // Large buffer so replicas are not blocked.
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]%d replicas[reset] ", numReplicas)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updatesDone.Add(1)
	go pBar.draw()
	return pBar
}

// Update reports that step (0-based) finished with the given loss.
func (pBar *progressBar) Update(step int, loss float64, stepsMarked int64) {
	pBar.updates <- progressUpdate{step: step, loss: loss, stepsMarked: stepsMarked}
}

// Done waits for the pending updates to be drawn.
func (pBar *progressBar) Done() {
	close(pBar.updates)
	pBar.updatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}

func (pBar *progressBar) draw() {
	defer pBar.updatesDone.Done()
	reported := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				update = newUpdate
			default:
				break exhaust
			}
		}

		elapsed := time.Since(pBar.startTime)
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.step+1)),
			humanize.Comma(int64(pBar.numSteps))))
		pBar.statsTable.Row("Mean step duration", formatDuration(elapsed/time.Duration(update.step+1)))
		pBar.statsTable.Row("Loss (replica 0)", fmt.Sprintf("%.6f", update.loss))
		pBar.statsTable.Row("Steps marked (all replicas)", humanize.Comma(update.stepsMarked))

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(4 + 2 + 2)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(update.step + 1 - reported)
		reported = update.step + 1
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

var reDuration = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints duration without a long list of decimal points.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := reDuration.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
