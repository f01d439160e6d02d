// Copyright (c) 2024, amarnathcjd

package tgflow

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/amarnathcjd/tgflow/internal/utils"
)

// JobCallback is the work scheduled into a JobQueue. Errors (and panics) are
// routed through the dispatcher's error handlers; they never stop the
// scheduler loop.
type JobCallback func(ctx *Context) error

// ClockTime is a time of day in the scheduler's local timezone.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// nextAfter resolves the clock time to its next occurrence: today if still
// ahead of now, otherwise tomorrow. Conversation timeouts rely on this exact
// roll-over rule.
func (t ClockTime) nextAfter(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, t.Second, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// trigger produces the next fire time of a job; ok false means the job is
// done and leaves the queue.
type trigger interface {
	next(after time.Time) (t time.Time, ok bool)
}

type onceTrigger struct{}

func (onceTrigger) next(time.Time) (time.Time, bool) { return time.Time{}, false }

type intervalTrigger struct {
	interval time.Duration
	last     time.Time
}

func (t intervalTrigger) next(after time.Time) (time.Time, bool) {
	n := after.Add(t.interval)
	if !t.last.IsZero() && n.After(t.last) {
		return time.Time{}, false
	}
	return n, true
}

type dailyTrigger struct{ at ClockTime }

func (t dailyTrigger) next(after time.Time) (time.Time, bool) {
	return t.at.nextAfter(after), true
}

type monthlyTrigger struct {
	day int
	at  ClockTime
}

func (t monthlyTrigger) next(after time.Time) (time.Time, bool) {
	return nextMonthly(after, t.day, t.at), true
}

// nextMonthly finds the next occurrence of day-of-month at the given clock
// time, clamping the day to the length of short months.
func nextMonthly(after time.Time, day int, at ClockTime) time.Time {
	year, month := after.Year(), after.Month()
	for i := 0; i < 13; i++ {
		d := day
		if last := daysIn(year, month); d > last {
			d = last
		}
		candidate := time.Date(year, month, d, at.Hour, at.Minute, at.Second, 0, after.Location())
		if candidate.After(after) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{} // unreachable
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

type cronTrigger struct{ sched cron.Schedule }

func (t cronTrigger) next(after time.Time) (time.Time, bool) {
	return t.sched.Next(after), true
}

// Job is one scheduled unit of work.
type Job struct {
	name     string
	data     any
	trigger  trigger
	callback JobCallback

	mu      sync.Mutex
	enabled bool
	removed bool

	// heap bookkeeping
	nextRun time.Time
	seq     uint64
	index   int
}

func (j *Job) Name() string { return j.name }
func (j *Job) Data() any    { return j.data }

// NextRun reports when the job fires next.
func (j *Job) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRun
}

// Enabled reports whether the job's executions currently run.
func (j *Job) Enabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// SetEnabled toggles execution without touching the schedule: a disabled
// job's fire times keep advancing, so re-enabling resumes on the original
// cadence rather than replaying missed runs.
func (j *Job) SetEnabled(enabled bool) {
	j.mu.Lock()
	j.enabled = enabled
	j.mu.Unlock()
}

// ScheduleRemoval cancels all future executions. Idempotent, and safe to
// call for a job that already fired or is mid-execution: the scheduler
// re-checks the flag at every fire.
func (j *Job) ScheduleRemoval() {
	j.mu.Lock()
	j.removed = true
	j.mu.Unlock()
}

// Removed reports whether the job left the schedule, either by removal or by
// a one-shot completing.
func (j *Job) Removed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.removed
}

// jobHeap orders jobs by fire time; insertion sequence breaks ties so
// simultaneously-due jobs run FIFO.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].nextRun.Equal(h[j].nextRun) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextRun.Before(h[j].nextRun)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// JobQueue runs callbacks at scheduled times on its own goroutine,
// independent of the dispatch path.
type JobQueue struct {
	mu      sync.Mutex
	jobs    jobHeap
	seq     uint64
	started bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	d   *Dispatcher
	log *utils.Logger
}

func NewJobQueue() *JobQueue {
	return &JobQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		log:  utils.NewLogger("tgflow [jobqueue]"),
	}
}

func (q *JobQueue) setDispatcher(d *Dispatcher) {
	q.mu.Lock()
	q.d = d
	q.mu.Unlock()
}

// Start launches the scheduler loop.
func (q *JobQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop()
	q.log.Debug("job queue started")
}

// Stop halts the scheduler loop. Jobs already mid-callback finish on their
// own goroutines.
func (q *JobQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.stop)
	q.wg.Wait()
	q.stop = make(chan struct{})
	q.log.Debug("job queue stopped")
}

func (q *JobQueue) loop() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.mu.Lock()
		var wait time.Duration
		if len(q.jobs) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(q.jobs[0].nextRun)
		}
		q.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-timer.C:
			q.fireDue()
		}
	}
}

func (q *JobQueue) fireDue() {
	now := time.Now()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 || q.jobs[0].nextRun.After(now) {
			q.mu.Unlock()
			return
		}
		j := heap.Pop(&q.jobs).(*Job)
		q.mu.Unlock()

		j.mu.Lock()
		if j.removed {
			j.mu.Unlock()
			continue
		}
		run := j.enabled
		next, ok := j.trigger.next(now)
		if ok {
			j.nextRun = next
		} else {
			j.removed = true
		}
		j.mu.Unlock()

		if ok {
			q.mu.Lock()
			heap.Push(&q.jobs, j)
			q.mu.Unlock()
		}
		if run {
			go q.runJob(j)
		}
	}
}

// runJob executes one fire of a job. Faults are contained here: a failing
// job is reported like a failing handler and the scheduler keeps going.
func (q *JobQueue) runJob(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			q.reportJobError(j, errors.Errorf("panic in job %q: %v", j.name, r))
		}
	}()
	ctx := q.jobContext(j)
	if err := j.callback(ctx); err != nil {
		q.reportJobError(j, errors.Wrapf(err, "job %q", j.name))
	}
}

func (q *JobQueue) reportJobError(j *Job, err error) {
	q.mu.Lock()
	d := q.d
	q.mu.Unlock()
	if d != nil {
		if herr := d.dispatchError(nil, err); herr != nil {
			q.log.Warn("stop signal from error handler for job %q, ignored", j.name)
		}
		return
	}
	q.log.WithError(err).Error("[JobQueue] job failed")
}

func (q *JobQueue) jobContext(j *Job) *Context {
	ctx := &Context{JobQueue: q, Job: j}
	q.mu.Lock()
	d := q.d
	q.mu.Unlock()
	if d != nil {
		ctx.Bot = d.bot
		ctx.Dispatcher = d
		ctx.BotData = d.botData
	}
	return ctx
}

// JobOption configures a job at scheduling time.
type JobOption func(*Job)

// WithName names a job for JobsByName lookup and log output.
func WithName(name string) JobOption {
	return func(j *Job) { j.name = name }
}

// WithData attaches an arbitrary payload, retrievable via Job.Data in the
// callback.
func WithData(data any) JobOption {
	return func(j *Job) { j.data = data }
}

// WithFirst delays the first run of a repeating job to an absolute time.
func WithFirst(first time.Time) JobOption {
	return func(j *Job) { j.nextRun = first }
}

// WithLast bounds a repeating job: no run is scheduled past this time.
func WithLast(last time.Time) JobOption {
	return func(j *Job) {
		if t, ok := j.trigger.(intervalTrigger); ok {
			t.last = last
			j.trigger = t
		}
	}
}

func (q *JobQueue) schedule(cb JobCallback, tr trigger, firstRun time.Time, opts ...JobOption) *Job {
	j := &Job{
		callback: cb,
		trigger:  tr,
		enabled:  true,
		nextRun:  firstRun,
	}
	for _, opt := range opts {
		opt(j)
	}
	q.mu.Lock()
	q.seq++
	j.seq = q.seq
	heap.Push(&q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j
}

// RunOnce schedules a single execution after the given delay.
func (q *JobQueue) RunOnce(cb JobCallback, delay time.Duration, opts ...JobOption) *Job {
	return q.schedule(cb, onceTrigger{}, time.Now().Add(delay), opts...)
}

// RunOnceAt schedules a single execution at an absolute time.
func (q *JobQueue) RunOnceAt(cb JobCallback, at time.Time, opts ...JobOption) *Job {
	return q.schedule(cb, onceTrigger{}, at, opts...)
}

// RunOnceAtTime schedules a single execution at the next occurrence of a
// time of day: today if that is still ahead, tomorrow otherwise.
func (q *JobQueue) RunOnceAtTime(cb JobCallback, at ClockTime, opts ...JobOption) *Job {
	return q.schedule(cb, onceTrigger{}, at.nextAfter(time.Now()), opts...)
}

// RunRepeating schedules an execution every interval, the first one after
// one full interval unless WithFirst overrides it. WithLast bounds the
// window.
func (q *JobQueue) RunRepeating(cb JobCallback, interval time.Duration, opts ...JobOption) *Job {
	return q.schedule(cb, intervalTrigger{interval: interval}, time.Now().Add(interval), opts...)
}

// RunDaily schedules an execution every day at the given clock time.
func (q *JobQueue) RunDaily(cb JobCallback, at ClockTime, opts ...JobOption) *Job {
	return q.schedule(cb, dailyTrigger{at: at}, at.nextAfter(time.Now()), opts...)
}

// RunMonthly schedules an execution on the given day of every month, clamped
// to the last day of short months.
func (q *JobQueue) RunMonthly(cb JobCallback, day int, at ClockTime, opts ...JobOption) *Job {
	tr := monthlyTrigger{day: day, at: at}
	first, _ := tr.next(time.Now())
	return q.schedule(cb, tr, first, opts...)
}

// RunCustom schedules by a standard five-field cron expression.
func (q *JobQueue) RunCustom(cb JobCallback, spec string, opts ...JobOption) (*Job, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrap(err, "parsing cron spec")
	}
	tr := cronTrigger{sched: sched}
	return q.schedule(cb, tr, sched.Next(time.Now()), opts...), nil
}

// JobsByName returns the live (not yet removed) jobs carrying the name.
func (q *JobQueue) JobsByName(name string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, j := range q.jobs {
		if j.name == name && !j.Removed() {
			out = append(out, j)
		}
	}
	return out
}
