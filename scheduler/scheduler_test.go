package scheduler

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/op/go-logging"

	"github.com/DavidGoldLab/GeneRax/parallel"
)

func init() {
	logging.SetLevel(logging.CRITICAL, "scheduler")
	logging.SetLevel(logging.CRITICAL, "parallel")
}

func TestCommandFileRoundTrip(tst *testing.T) {
	dir := tst.TempDir()
	path := filepath.Join(dir, "commands.txt")
	jobs := []Job{
		{Name: "fam1", Cores: 2, Cost: 10, Args: []string{"--name", "fam1"}},
		{Name: "fam2", Cores: 1, Cost: 30, Args: []string{"--name", "fam2"}},
	}
	if err := WriteCommandFile(path, jobs); err != nil {
		tst.Fatal("Error writing command file: ", err)
	}
	read, err := ReadCommandFile(path)
	if err != nil {
		tst.Fatal("Error reading command file: ", err)
	}
	if len(read) != len(jobs) {
		tst.Fatal("Expected ", len(jobs), " jobs, got ", len(read))
	}
	for i, job := range read {
		if job.Name != jobs[i].Name || job.Cores != jobs[i].Cores || job.Cost != jobs[i].Cost {
			tst.Error("job ", i, " mismatch: ", job)
		}
	}
}

func TestBalanceOrdersByCost(tst *testing.T) {
	jobs := balance([]Job{{Name: "small", Cost: 1}, {Name: "big", Cost: 100}})
	if jobs[0].Name != "big" {
		tst.Error("expensive jobs should start first")
	}
}

func TestSplitRunner(tst *testing.T) {
	dir := tst.TempDir()
	runner := &SplitRunner{ExecPath: "/bin/sh", OutputDir: dir, MaxWorkers: 2}
	jobs := []Job{
		{Name: "ok1", Args: []string{"-c", "exit 0"}},
		{Name: "ok2", Args: []string{"-c", "exit 0"}},
		{Name: "bad", Args: []string{"-c", "exit 3"}},
	}
	results, err := runner.Run(jobs)
	if err != nil {
		tst.Fatal("non-fatal failures should not error: ", err)
	}
	byName := map[string]int{}
	for _, res := range results {
		byName[res.Name] = res.ExitCode
	}
	if byName["ok1"] != 0 || byName["ok2"] != 0 {
		tst.Error("successful jobs misreported: ", byName)
	}
	if byName["bad"] != 3 {
		tst.Error("exit code should convey failure, got ", byName["bad"])
	}
}

func TestSplitRunnerFatal(tst *testing.T) {
	dir := tst.TempDir()
	runner := &SplitRunner{ExecPath: "/bin/sh", OutputDir: dir, MaxWorkers: 1}
	jobs := []Job{{Name: "fatal", Args: []string{"-c", "exit 5"}, Fatal: true}}
	_, err := runner.Run(jobs)
	abort, ok := err.(parallel.AbortError)
	if !ok || abort.Code != 5 {
		tst.Error("fatal job should abort with its exit code, got ", err)
	}
}

func TestRunInProcess(tst *testing.T) {
	const n = 7
	covered := make([]int, n)
	var mu sync.Mutex
	code := parallel.Run(2, 42, func(ctx *parallel.Context) {
		RunInProcess(ctx, n, 0, func(i int) error {
			mu.Lock()
			covered[i]++
			mu.Unlock()
			return nil
		})
	})
	if code != 0 {
		tst.Fatal("Run failed with code ", code)
	}
	for i, c := range covered {
		if c != 1 {
			tst.Error("job ", i, " ran ", c, " times")
		}
	}
}
