// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package imgproc runs astrometry and observation post-processing workers,
// records their outcome in the image ledger and feeds solved positions back
// to the mount.
package imgproc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/notify"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/ManuGH/obsnet/internal/store"
	"github.com/rs/zerolog"
)

// Outcome names how an image left the queue.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeTrash    Outcome = "trash"
	OutcomeRejected Outcome = "rejected"
	OutcomeDark     Outcome = "dark"
)

// ImageResult is the payload of astrometry-ok and astrometry-failed.
type ImageResult struct {
	Image   store.Image
	Outcome Outcome
	Result  *Result
	Exit    block.ExitStatus
}

// Summary implements block.Summarizer.
func (r ImageResult) Summary() string {
	s := fmt.Sprintf("img %d obs %d %s", r.Image.ID, r.Image.ObsID, r.Outcome)
	if r.Result != nil {
		s += fmt.Sprintf(" %g %g", r.Result.RA, r.Result.Dec)
	}
	return s
}

// ObservationDone is the payload of all-images-processed.
type ObservationDone struct {
	ObsID int64
}

// Summary implements block.Summarizer.
func (o ObservationDone) Summary() string { return "obs " + strconv.FormatInt(o.ObsID, 10) }

// ObservationProcessed is the payload of observation-processed.
type ObservationProcessed struct {
	Observation store.Observation
	Exit        block.ExitStatus
}

// Summary implements block.Summarizer.
func (o ObservationProcessed) Summary() string {
	return fmt.Sprintf("obs %d %s", o.Observation.ID, o.Exit)
}

// Ledger is the image bookkeeping the processor needs.
type Ledger interface {
	RegisterImage(ctx context.Context, img store.Image) (store.Image, error)
	Image(ctx context.Context, path string) (store.Image, error)
	RegisterObservation(ctx context.Context, obs store.Observation) error
	SetAstrometry(ctx context.Context, imgID int64, a store.Astrometry) error
	MarkTrash(ctx context.Context, imgID int64) error
	MarkDark(ctx context.Context, imgID int64) error
	CountUnprocessed(ctx context.Context, obsID int64) (int, error)
	CountOK(ctx context.Context, targetID int64) (int, error)
}

// Options configures a Processor.
type Options struct {
	AstrometryExe  string
	AstrometryArgs []string
	ObsExe         string
	// Mount receives corrections for images that do not name one.
	Mount string
	// Recipients get the first-solution mail of each target.
	Recipients []string
	// MaxWorkers bounds concurrent astrometry workers.
	MaxWorkers int
	// DBTimeout bounds each ledger call.
	DBTimeout time.Duration

	Ledger Ledger
	Mailer notify.Mailer
}

// Processor owns the astrometry queue. All methods run on the block loop.
type Processor struct {
	opts     Options
	log      zerolog.Logger
	commands *block.CommandMux
	b        *block.Block

	queue   []*imageJob
	running map[*imageJob]*block.ProcessConnection
	obsRuns int
}

// New returns a processor exposing image, process, obsprocess and info.
func New(opts Options) *Processor {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.DBTimeout <= 0 {
		opts.DBTimeout = 5 * time.Second
	}
	if opts.Mailer == nil {
		opts.Mailer = notify.NewLogMailer()
	}
	p := &Processor{
		opts:     opts,
		log:      log.WithComponent("imgproc"),
		commands: block.NewCommandMux(),
		running:  make(map[*imageJob]*block.ProcessConnection),
	}
	p.commands.Handle("image", p.handleImage)
	p.commands.Handle("process", p.handleProcess)
	p.commands.Handle("obsprocess", p.handleObsProcess)
	p.commands.Handle("info", p.handleInfo)
	return p
}

// Commands returns the command mux for block.Options.Commands.
func (p *Processor) Commands() *block.CommandMux { return p.commands }

// Attach binds the processor to b.
func (p *Processor) Attach(b *block.Block) { p.b = b }

// Queued returns the number of images waiting for a worker.
func (p *Processor) Queued() int { return len(p.queue) }

// Running returns the number of astrometry workers.
func (p *Processor) Running() int { return len(p.running) }

func (p *Processor) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.opts.DBTimeout)
}

// handleImage registers an image and queues it:
// image <path> <obs_id> <target_id> <mount|-> <mark> [open|closed]
func (p *Processor) handleImage(c *block.Connection, req *protocol.Request) protocol.Reply {
	path, err := req.NextString()
	if err != nil {
		return block.ParamError(err)
	}
	obsID, err := req.NextInt()
	if err != nil {
		return block.ParamError(err)
	}
	targetID, err := req.NextInt()
	if err != nil {
		return block.ParamError(err)
	}
	mount, err := req.NextString()
	if err != nil {
		return block.ParamError(err)
	}
	if mount == "-" {
		mount = ""
	}
	mark, err := req.NextInt()
	if err != nil {
		return block.ParamError(err)
	}
	if mark < 0 {
		mark = store.NoMark
	}
	shutterClosed := false
	if req.Remaining() > 0 {
		shutter, err := req.NextString()
		if err != nil {
			return block.ParamError(err)
		}
		switch shutter {
		case "open":
		case "closed":
			shutterClosed = true
		default:
			return block.Fail(protocol.StatusInvalidParams, "shutter must be open or closed, got %q", shutter)
		}
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}

	ctx, cancel := p.ctx()
	defer cancel()
	img, err := p.opts.Ledger.RegisterImage(ctx, store.Image{
		Path: path, ObsID: obsID, TargetID: targetID,
		Mount: mount, MountMark: mark, ShutterClosed: shutterClosed,
	})
	if err != nil {
		return block.Fail(protocol.StatusFailed, "register: %v", err)
	}
	p.log.Info().
		Str(log.FieldEvent, "imgproc.registered").
		Int64(log.FieldImageID, img.ID).
		Int64(log.FieldObsID, img.ObsID).
		Str(log.FieldPath, img.Path).
		Msg("image registered")
	return p.submit(img, c)
}

// handleProcess queues an already registered image: process <path>
func (p *Processor) handleProcess(c *block.Connection, req *protocol.Request) protocol.Reply {
	path, err := req.NextString()
	if err != nil {
		return block.ParamError(err)
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	ctx, cancel := p.ctx()
	defer cancel()
	img, err := p.opts.Ledger.Image(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return block.Fail(protocol.StatusInvalidParams, "unknown image %s", path)
	}
	if err != nil {
		return block.Fail(protocol.StatusFailed, "lookup: %v", err)
	}
	return p.submit(img, c)
}

func (p *Processor) submit(img store.Image, requester *block.Connection) protocol.Reply {
	job := &imageJob{p: p, img: img, requester: requester}
	if img.ShutterClosed {
		p.finishDark(job)
		return block.OK(fmt.Sprintf("%d dark", img.ID))
	}
	p.queue = append(p.queue, job)
	p.startNext()
	return block.OK(fmt.Sprintf("%d queued", img.ID))
}

// startNext spawns workers while capacity remains.
func (p *Processor) startNext() {
	for len(p.running) < p.opts.MaxWorkers && len(p.queue) > 0 {
		job := p.queue[0]
		p.queue = p.queue[1:]
		args := append(append([]string{}, p.opts.AstrometryArgs...), job.img.Path)
		proc, err := p.b.Spawn(block.ProcessSpec{
			Name: "astrometry-" + strconv.FormatInt(job.img.ID, 10),
			Kind: "astrometry",
			Exe:  p.opts.AstrometryExe,
			Args: args,
		}, job)
		if err != nil {
			job.log().Error().
				Str(log.FieldEvent, "imgproc.spawn_failed").
				Err(err).
				Msg("astrometry worker did not start")
			p.finish(job, block.ExitStatus{Code: -1, Err: err})
			continue
		}
		p.running[job] = proc
	}
}

// imageJob is one astrometry run; it is the worker's ProcessHandler.
type imageJob struct {
	p         *Processor
	img       store.Image
	requester *block.Connection
	result    *Result
	rejected  bool
}

func (j *imageJob) log() *zerolog.Logger {
	l := j.p.log.With().Int64(log.FieldImageID, j.img.ID).Int64(log.FieldObsID, j.img.ObsID).Logger()
	return &l
}

func (j *imageJob) OnLine(_ *block.ProcessConnection, line string) {
	kind, res, err := Classify(line)
	switch kind {
	case LineResult:
		if j.result == nil {
			j.result = &res
		}
	case LineRejected:
		j.rejected = true
	case LineMalformed:
		j.log().Warn().
			Err(err).
			Str(log.FieldEvent, "imgproc.result_malformed").
			Str(log.FieldLine, line).
			Msg("unparsable solver result")
	default:
		j.log().Debug().Str(log.FieldLine, line).Msg("solver output")
	}
}

func (j *imageJob) OnExit(_ *block.ProcessConnection, exit block.ExitStatus) {
	delete(j.p.running, j)
	j.p.finish(j, exit)
	j.p.startNext()
}

// finish records a finished run. A parsed solution counts regardless of
// the worker's exit status.
func (p *Processor) finish(job *imageJob, exit block.ExitStatus) {
	if job.result != nil {
		p.finishSolved(job, exit)
		return
	}
	outcome := OutcomeTrash
	if job.rejected {
		outcome = OutcomeRejected
	}
	ctx, cancel := p.ctx()
	defer cancel()
	if err := p.opts.Ledger.MarkTrash(ctx, job.img.ID); err != nil {
		job.log().Error().Err(err).Msg("failed to mark image as trash")
	}
	job.log().Info().
		Str(log.FieldEvent, "imgproc.failed").
		Str(log.FieldOutcome, string(outcome)).
		Str("exit", exit.String()).
		Msg("no astrometry for image")
	p.b.BroadcastEvent(block.Event{
		Type:    block.EventAstrometryFailed,
		Source:  p.b.Name(),
		Payload: ImageResult{Image: job.img, Outcome: outcome, Exit: exit},
	})
	p.checkObservation(job.img.ObsID)
}

func (p *Processor) finishDark(job *imageJob) {
	ctx, cancel := p.ctx()
	defer cancel()
	if err := p.opts.Ledger.MarkDark(ctx, job.img.ID); err != nil {
		job.log().Error().Err(err).Msg("failed to mark image as dark")
	}
	job.log().Info().Str(log.FieldEvent, "imgproc.dark").Msg("dark frame not solved")
	p.b.BroadcastEvent(block.Event{
		Type:    block.EventAstrometryFailed,
		Source:  p.b.Name(),
		Payload: ImageResult{Image: job.img, Outcome: OutcomeDark},
	})
	p.checkObservation(job.img.ObsID)
}

func (p *Processor) finishSolved(job *imageJob, exit block.ExitStatus) {
	res := *job.result
	raErr, decErr := res.Degrees()
	ctx, cancel := p.ctx()
	defer cancel()

	if err := p.opts.Ledger.SetAstrometry(ctx, job.img.ID, store.Astrometry{
		RA: res.RA, Dec: res.Dec, RAErr: raErr, DecErr: decErr,
	}); err != nil {
		job.log().Error().Err(err).Msg("failed to store astrometry")
	}
	job.log().Info().
		Str(log.FieldEvent, "imgproc.solved").
		Float64("ra", res.RA).
		Float64("dec", res.Dec).
		Float64("ra_err", raErr).
		Float64("dec_err", decErr).
		Msg("astrometry solved")

	if job.requester != nil && job.requester.State() == block.StateOpen {
		if err := job.requester.SendValue("correct", job.img.ObsID, job.img.ID, res.RA, res.Dec, raErr, decErr); err != nil {
			job.log().Warn().Err(err).Msg("could not notify requester")
		}
	}
	p.correctMount(job, res, raErr, decErr)
	p.mailFirstSolution(ctx, job, res)

	p.b.BroadcastEvent(block.Event{
		Type:    block.EventAstrometryOK,
		Source:  p.b.Name(),
		Payload: ImageResult{Image: job.img, Outcome: OutcomeOK, Result: &res, Exit: exit},
	})
	p.checkObservation(job.img.ObsID)
}

func (p *Processor) correctMount(job *imageJob, res Result, raErr, decErr float64) {
	mount := job.img.Mount
	if mount == "" {
		mount = p.opts.Mount
	}
	l := job.log()
	if mount == "" || !job.img.HasMark() {
		l.Info().
			Str(log.FieldEvent, "imgproc.correction_skipped").
			Str(log.FieldDevice, mount).
			Msg("image has no mount mark, correction skipped")
		return
	}
	conn, ok := p.b.FindByName(mount)
	if !ok {
		l.Warn().
			Str(log.FieldEvent, "imgproc.mount_missing").
			Str(log.FieldDevice, mount).
			Msg("mount not connected, correction dropped")
		return
	}
	line := protocol.Format("correct", job.img.MountMark, res.RA, res.Dec, raErr, decErr)
	if _, err := conn.Enqueue(line, func(_ *block.Command, out block.Outcome) {
		if out.Kind != block.OutcomeOK {
			l.Warn().
				Str(log.FieldEvent, "imgproc.correction_refused").
				Str(log.FieldOutcome, out.String()).
				Msg("mount refused correction")
		}
	}); err != nil {
		l.Warn().
			Str(log.FieldEvent, "imgproc.mount_missing").
			Str(log.FieldDevice, mount).
			Err(err).
			Msg("correction not sent")
	}
}

func (p *Processor) mailFirstSolution(ctx context.Context, job *imageJob, res Result) {
	if len(p.opts.Recipients) == 0 {
		return
	}
	n, err := p.opts.Ledger.CountOK(ctx, job.img.TargetID)
	if err != nil {
		job.log().Error().Err(err).Msg("failed to count solved images")
		return
	}
	if n != 1 {
		return
	}
	subject := fmt.Sprintf("TARGET #%d GET ASTROMETRY (IMG_ID #%d)", job.img.TargetID, job.img.ID)
	body := fmt.Sprintf("image %s\nobservation %d\nra %g dec %g\nra_err %g dec_err %g (arcmin)\n",
		job.img.Path, job.img.ObsID, res.RA, res.Dec, res.RAErr, res.DecErr)
	if err := p.opts.Mailer.Send(ctx, subject, body, p.opts.Recipients); err != nil {
		job.log().Warn().Err(err).Msg("first solution mail not sent")
	}
}

// checkObservation broadcasts all-images-processed once the observation has
// no images left waiting.
func (p *Processor) checkObservation(obsID int64) {
	ctx, cancel := p.ctx()
	defer cancel()
	n, err := p.opts.Ledger.CountUnprocessed(ctx, obsID)
	if err != nil {
		p.log.Error().Int64(log.FieldObsID, obsID).Err(err).Msg("failed to count unprocessed images")
		return
	}
	if n != 0 {
		return
	}
	p.log.Info().
		Str(log.FieldEvent, "imgproc.observation_done").
		Int64(log.FieldObsID, obsID).
		Msg("all images of observation processed")
	p.b.BroadcastEvent(block.Event{
		Type:    block.EventAllImagesProcessed,
		Source:  p.b.Name(),
		Payload: ObservationDone{ObsID: obsID},
	})
}

// handleObsProcess runs the observation post-processor:
// obsprocess <obs_id> <target_id> <target_type>
func (p *Processor) handleObsProcess(_ *block.Connection, req *protocol.Request) protocol.Reply {
	obsID, err := req.NextInt()
	if err != nil {
		return block.ParamError(err)
	}
	targetID, err := req.NextInt()
	if err != nil {
		return block.ParamError(err)
	}
	targetType, err := req.NextString()
	if err != nil {
		return block.ParamError(err)
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	obs := store.Observation{ID: obsID, TargetID: targetID, TargetType: targetType}

	ctx, cancel := p.ctx()
	defer cancel()
	if err := p.opts.Ledger.RegisterObservation(ctx, obs); err != nil {
		return block.Fail(protocol.StatusFailed, "register observation: %v", err)
	}
	_, err = p.b.Spawn(block.ProcessSpec{
		Name: "obsprocess-" + strconv.FormatInt(obsID, 10),
		Kind: "obsprocess",
		Exe:  p.opts.ObsExe,
		Args: []string{strconv.FormatInt(obsID, 10), strconv.FormatInt(targetID, 10), targetType},
	}, &obsJob{p: p, obs: obs})
	if err != nil {
		return block.Fail(protocol.StatusFailed, "%v", err)
	}
	p.obsRuns++
	return block.OK("started")
}

// obsJob ignores the post-processor's output and reports its exit.
type obsJob struct {
	p   *Processor
	obs store.Observation
}

func (j *obsJob) OnLine(_ *block.ProcessConnection, line string) {
	j.p.log.Debug().Int64(log.FieldObsID, j.obs.ID).Str(log.FieldLine, line).Msg("obsprocess output")
}

func (j *obsJob) OnExit(_ *block.ProcessConnection, exit block.ExitStatus) {
	j.p.obsRuns--
	j.p.log.Info().
		Str(log.FieldEvent, "imgproc.obs_processed").
		Int64(log.FieldObsID, j.obs.ID).
		Str("exit", exit.String()).
		Msg("observation post-processing finished")
	j.p.b.BroadcastEvent(block.Event{
		Type:    block.EventObservationProcessed,
		Source:  j.p.b.Name(),
		Payload: ObservationProcessed{Observation: j.obs, Exit: exit},
	})
}

func (p *Processor) handleInfo(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	return block.OK(fmt.Sprintf("queued=%d running=%d obsprocess=%d", len(p.queue), len(p.running), p.obsRuns))
}
