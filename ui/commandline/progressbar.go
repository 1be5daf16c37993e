// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/komfkore/AdThMix/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "adthmix.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	lastNumRows      int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	// lastEpoch holds the rows describing the last finished epoch, only accessed by the training goroutine.
	lastEpoch [][2]string

	extraMetricFns []ExtraMetricFn
}

// progressBarUpdate is created by the training goroutine and rendered asynchronously.
type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.numSteps = max(1, loop.EndStep-loop.StartStep)
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.startRendering()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, step *train.StepResult) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	// Values are formatted here, in the training goroutine, so the renderer never reads training state.
	update := progressBarUpdate{amount: amount}
	update.rows = append(update.rows,
		[2]string{"Epoch", fmt.Sprintf("%d of %d", loop.Epoch, loop.Config.Epochs)},
		[2]string{"Loop Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep+1)), humanize.Comma(int64(loop.EndStep)))},
		[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
		[2]string{"Learning rate", fmt.Sprintf("%.3g", loop.Trainer.Optimizer().LearningRate())},
	)
	for _, metric := range loop.Trainer.Metrics() {
		update.rows = append(update.rows, [2]string{metric.Name(), metric.PrettyPrint()})
	}
	if step != nil {
		update.rows = append(update.rows, [2]string{"Admitted (last batch)",
			fmt.Sprintf("%d of %d", step.NumAdmitted, step.UnlabeledBatchSize)})
	}
	update.rows = append(update.rows, pBar.lastEpoch...)
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update

	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEpoch(loop *train.Loop, trainResult *train.EpochResult, validation *train.ValidationResult) error {
	pBar.lastEpoch = pBar.lastEpoch[:0]
	pBar.lastEpoch = append(pBar.lastEpoch, [2]string{
		fmt.Sprintf("Epoch %d train loss / top-1", trainResult.Epoch),
		fmt.Sprintf("%.4f / %.2f%%", trainResult.Loss, trainResult.Top1)})
	if validation != nil {
		pBar.lastEpoch = append(pBar.lastEpoch,
			[2]string{fmt.Sprintf("Epoch %d validation top-1 / top-5", trainResult.Epoch),
				fmt.Sprintf("%.2f%% / %.2f%%", validation.Top1, validation.Top5)},
			[2]string{"Best validation top-1", fmt.Sprintf("%.2f%% (epoch %d)", loop.BestTop1, loop.BestEpoch)})
	}
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop) error {
	pBar.finish()
	return nil
}

// finish stops the rendering goroutine and waits for it. It is a no-op if rendering is not running, so it can
// be called again after the loop ended, or after it failed before its OnEnd hooks ran.
func (pBar *progressBar) finish() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updates = nil
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}

// startRendering starts the goroutine that draws updates.
func (pBar *progressBar) startRendering() {
	pBar.isFirstOutput = true
	updates := make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.updates = updates
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		// Asynchronously draw updates: this is handy if the training is faster than the terminal, in particular
		// if running on cloud, with a relatively slow network connection.
		for update := range updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			pBar.statsTable.Data(lgtable.NewStringData())
			for _, row := range update.rows {
				pBar.statsTable.Row(row[0], row[1])
			}

			// Clear the previous lines that will be overwritten: table rows, its 2 borders and the progress bar.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				pBar.termenv.CursorPrevLine(pBar.lastNumRows + 2 + 2)
			}
			pBar.isFirstOutput = false
			pBar.lastNumRows = len(update.rows)

			fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			fmt.Println()
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
	}()
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// The returned finish function stops the display. Loop.RunEpochs skips the OnEnd hooks when it fails
// (e.g.: interrupted with Ctrl+C), so callers should defer finish. It is safe to call it more than once,
// from the goroutine that runs the loop.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) (finish func()) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar.finish
}
