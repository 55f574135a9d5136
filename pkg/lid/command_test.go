package lid

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
)

// TestHelperProcess is not a real test. It stands in for the fastText binary
// when run as a subprocess by the CommandClassifier tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LANGCORPUS_WANT_HELPER_PROCESS") != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "quit"):
			os.Exit(3)
		case strings.Contains(line, "bonjour"):
			fmt.Println("__label__fr 0.91 __label__en 0.05")
		default:
			fmt.Println("__label__en 0.87")
		}
	}
	os.Exit(0)
}

func helperConfig(processes int) CommandConfig {
	return CommandConfig{
		Binary:    os.Args[0],
		Args:      []string{"-test.run=TestHelperProcess", "--"},
		Env:       []string{"LANGCORPUS_WANT_HELPER_PROCESS=1"},
		Processes: processes,
	}
}

func TestCommandClassifier(t *testing.T) {
	c, err := NewCommandClassifier(helperConfig(2))
	if err != nil {
		t.Fatalf("NewCommandClassifier failed: %v", err)
	}
	defer c.Close()

	preds, err := c.Predict("bonjour tout le monde\navec un saut de ligne")
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(preds) != 2 || preds[0].Label != "__label__fr" {
		t.Errorf("unexpected predictions: %+v", preds)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			preds, err := c.Predict("hello world")
			if err != nil {
				t.Errorf("Predict failed: %v", err)
				return
			}
			if len(preds) != 1 || preds[0].Label != "__label__en" {
				t.Errorf("unexpected predictions: %+v", preds)
			}
		}()
	}
	wg.Wait()
}

func TestCommandClassifierRestartsDeadProcess(t *testing.T) {
	c, err := NewCommandClassifier(helperConfig(1))
	if err != nil {
		t.Fatalf("NewCommandClassifier failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Predict("quit now"); err == nil {
		t.Fatal("expected error when the process exits")
	}
	preds, err := c.Predict("hello again")
	if err != nil {
		t.Fatalf("Predict after restart failed: %v", err)
	}
	if len(preds) != 1 || preds[0].Label != "__label__en" {
		t.Errorf("unexpected predictions: %+v", preds)
	}
}

func TestCommandClassifierRequiresModel(t *testing.T) {
	if _, err := NewCommandClassifier(CommandConfig{}); err == nil {
		t.Error("expected error without a model path")
	}
}

func TestCommandClassifierMissingBinary(t *testing.T) {
	_, err := NewCommandClassifier(CommandConfig{Binary: "/nonexistent/fasttext", Model: "lid.176.bin"})
	if err == nil {
		t.Error("expected error for missing binary")
	}
}
