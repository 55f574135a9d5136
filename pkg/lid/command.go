package lid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CommandConfig configures a CommandClassifier.
type CommandConfig struct {
	// Binary is the fastText executable (default "fasttext").
	Binary string
	// Model is the path to the language identification model, e.g. lid.176.bin.
	Model string
	// K is the number of labels requested per line (default 1).
	K int
	// Threshold drops labels below this probability (0 disables).
	Threshold float64
	// Processes is the number of fastText processes kept running (default 1).
	Processes int

	// Args overrides the argument list built from Model, K and Threshold.
	Args []string
	// Env is appended to the environment of each process.
	Env []string
}

func (c *CommandConfig) validate() error {
	if c.Binary == "" {
		c.Binary = "fasttext"
	}
	if c.K <= 0 {
		c.K = 1
	}
	if c.Processes <= 0 {
		c.Processes = 1
	}
	if c.Args == nil {
		if c.Model == "" {
			return errors.New("fasttext model path is required")
		}
		c.Args = []string{"predict-prob", c.Model, "-", strconv.Itoa(c.K)}
		if c.Threshold > 0 {
			c.Args = append(c.Args, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
		}
	}
	return nil
}

// CommandClassifier classifies lines by piping them through long-lived
// `fasttext predict-prob` processes. Each process serves one caller at a
// time; concurrent callers beyond Processes wait for a free process.
type CommandClassifier struct {
	cfg   CommandConfig
	slots chan *slot
}

type slot struct {
	p *process
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	in     *bufio.Writer
	out    *bufio.Reader
	stderr strings.Builder
}

// NewCommandClassifier starts the configured number of processes.
func NewCommandClassifier(cfg CommandConfig) (*CommandClassifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &CommandClassifier{
		cfg:   cfg,
		slots: make(chan *slot, cfg.Processes),
	}
	for range cfg.Processes {
		p, err := c.start()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.slots <- &slot{p: p}
	}
	return c, nil
}

func (c *CommandClassifier) start() (*process, error) {
	cmd := exec.Command(c.cfg.Binary, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}

	p := &process{cmd: cmd}
	cmd.Stderr = &p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("fasttext stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("fasttext stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.cfg.Binary, err)
	}

	p.stdin = stdin
	p.in = bufio.NewWriter(stdin)
	p.out = bufio.NewReaderSize(stdout, 64*1024)
	return p, nil
}

func (p *process) stop() error {
	p.stdin.Close()
	return p.cmd.Wait()
}

func (p *process) predict(text string) (string, error) {
	if _, err := p.in.WriteString(text); err != nil {
		return "", err
	}
	if err := p.in.WriteByte('\n'); err != nil {
		return "", err
	}
	if err := p.in.Flush(); err != nil {
		return "", err
	}
	line, err := p.out.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Predict sends text to a free process and parses its answer. A process
// that fails mid-exchange is discarded and replaced on the next call.
func (c *CommandClassifier) Predict(text string) ([]Prediction, error) {
	s, ok := <-c.slots
	if !ok {
		return nil, errors.New("classifier closed")
	}
	defer func() { c.slots <- s }()

	if s.p == nil {
		p, err := c.start()
		if err != nil {
			return nil, err
		}
		s.p = p
	}

	// fastText reads one example per line.
	text = strings.NewReplacer("\n", " ", "\r", " ").Replace(text)

	line, err := s.p.predict(text)
	if err != nil {
		s.p.stop()
		stderr := strings.TrimSpace(s.p.stderr.String())
		s.p = nil
		if stderr != "" {
			return nil, fmt.Errorf("fasttext exchange: %w (stderr: %s)", err, stderr)
		}
		return nil, fmt.Errorf("fasttext exchange: %w", err)
	}
	return ParsePredictions(line)
}

// Close stops every process. It must not be called concurrently with Predict.
func (c *CommandClassifier) Close() error {
	close(c.slots)
	var errs []error
	for s := range c.slots {
		if s.p == nil {
			continue
		}
		if err := s.p.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParsePredictions parses a fastText predict-prob output line of the form
// "__label__en 0.98 __label__de 0.01". An empty line yields no predictions.
func ParsePredictions(line string) ([]Prediction, error) {
	fields := strings.Fields(line)
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("malformed prediction %q", line)
	}
	preds := make([]Prediction, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		conf, err := strconv.ParseFloat(fields[i+1], 32)
		if err != nil {
			return nil, fmt.Errorf("parse confidence %q: %w", fields[i+1], err)
		}
		preds = append(preds, Prediction{Label: fields[i], Confidence: float32(conf)})
	}
	return preds, nil
}
