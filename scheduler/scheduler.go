// Package scheduler distributes per-family jobs: either in-process
// over the worker rank slices, or as one worker process per family
// with CPU and memory budgets (the split implementation).
package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/parallel"
)

var log = logging.MustGetLogger("scheduler")

// Job is one schedulable unit of per-family work.
type Job struct {
	Name string
	// Cores and Cost budget the job for load balancing; Cost
	// approximates the family tree size.
	Cores int
	Cost  int
	// Args is the worker command line in split mode.
	Args []string
	// Fatal aborts the whole run when the job fails.
	Fatal bool
}

// WriteCommandFile materializes the jobs to a command file, one line
// per job: name, cores, cost, then the worker arguments.
func WriteCommandFile(path string, jobs []Job) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, job := range jobs {
		fields := append([]string{job.Name, strconv.Itoa(job.Cores), strconv.Itoa(job.Cost)}, job.Args...)
		if _, err := fmt.Fprintln(f, strings.Join(fields, " ")); err != nil {
			return err
		}
	}
	return nil
}

// ReadCommandFile loads jobs back from a command file.
func ReadCommandFile(path string) ([]Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var jobs []Job
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		cores, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid cores in command file: %q", fields[1])
		}
		cost, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid cost in command file: %q", fields[2])
		}
		jobs = append(jobs, Job{Name: fields[0], Cores: cores, Cost: cost, Args: fields[3:]})
	}
	return jobs, scanner.Err()
}

// balance orders jobs by decreasing cost so large families start
// first.
func balance(jobs []Job) []Job {
	sorted := append([]Job{}, jobs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Cost > sorted[j].Cost })
	return sorted
}

// Result records one finished sub-job.
type Result struct {
	Name     string
	ExitCode int
	Elapsed  time.Duration
}

// SplitRunner launches one worker process per job.
type SplitRunner struct {
	// ExecPath is the worker binary.
	ExecPath string
	// OutputDir receives per-job logs.
	OutputDir string
	// MaxWorkers bounds concurrent processes.
	MaxWorkers int
	// Timeout kills a sub-job on expiry; zero disables it.
	Timeout time.Duration
	// FailureBudget aborts the run when exceeded by non-fatal
	// failures.
	FailureBudget int
}

// Run executes all jobs and returns their results. A failing fatal
// job, or more failures than the budget, yields an error carrying the
// abort code.
func (s *SplitRunner) Run(jobs []Job) ([]Result, error) {
	jobs = balance(jobs)
	workers := s.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	logDir := filepath.Join(s.OutputDir, "per_job_logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	results := make([]Result, len(jobs))
	tasks := make(chan int, len(jobs))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				results[i] = s.runOne(jobs[i], logDir)
			}
		}()
	}
	for i := range jobs {
		tasks <- i
	}
	close(tasks)
	wg.Wait()

	failures := 0
	for i, res := range results {
		if res.ExitCode == 0 {
			continue
		}
		failures++
		log.Errorf("sub-job %s failed with exit code %d", res.Name, res.ExitCode)
		if jobs[i].Fatal {
			return results, parallel.AbortError{Code: res.ExitCode}
		}
	}
	if s.FailureBudget > 0 && failures > s.FailureBudget {
		return results, parallel.AbortError{Code: 44}
	}
	return results, nil
}

func (s *SplitRunner) runOne(job Job, logDir string) Result {
	start := time.Now()
	cmd := exec.Command(s.ExecPath, job.Args...)
	logFile, err := os.Create(filepath.Join(logDir, job.Name+".log"))
	if err == nil {
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		log.Errorf("cannot start sub-job %s: %v", job.Name, err)
		return Result{Name: job.Name, ExitCode: 127, Elapsed: time.Since(start)}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	var waitErr error
	if s.Timeout > 0 {
		select {
		case waitErr = <-done:
		case <-time.After(s.Timeout):
			cmd.Process.Kill()
			waitErr = <-done
			log.Errorf("sub-job %s timed out after %v", job.Name, s.Timeout)
		}
	} else {
		waitErr = <-done
	}
	code := 0
	if waitErr != nil {
		code = 1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	return Result{Name: job.Name, ExitCode: code, Elapsed: time.Since(start)}
}

// RunInProcess iterates the rank's slice of n jobs with the given
// body; failures are counted and the run aborts past the budget.
func RunInProcess(ctx *parallel.Context, n int, failureBudget int, body func(i int) error) {
	begin, end := ctx.BeginFamilies(n)
	failures := 0
	for i := begin; i < end; i++ {
		if err := body(i); err != nil {
			failures++
			log.Errorf("job %d failed: %v", i, err)
		}
	}
	total := ctx.SumDouble(float64(failures))
	if failureBudget > 0 && int(total) > failureBudget {
		ctx.Abort(44)
	}
	ctx.Barrier()
}
