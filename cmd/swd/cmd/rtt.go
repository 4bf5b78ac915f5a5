package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/rtt"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/session"
)

var (
	rttChannel     int
	rttAddress     string
	rttSearch      time.Duration
	rttPoll        time.Duration
	rttCapturePath string
	rttDuration    time.Duration
	rttReplayAll   bool
)

var rttCmd = &cobra.Command{
	Use:   "rtt",
	Short: "Talk to SEGGER RTT channels",
	Long: `Find the RTT control block in target RAM and read or write its channels. The
control block is searched for in RAM unless --address (or rtt.control_block in
the configuration file) fixes its location.`,
}

var rttChannelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the up and down channels",
	RunE:  runRTTChannels,
}

var rttTerminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "Interactive console on one channel",
	Long: `Print what the target writes to the up channel and send each line typed at the
prompt to the down channel of the same index. Ctrl+D exits.`,
	RunE: runRTTTerminal,
}

var rttCaptureCmd = &cobra.Command{
	Use:   "capture <file>",
	Short: "Record up-channel output to a capture file",
	Long: `Append every chunk read from the up channel to a CBOR capture file, echoing it
to stdout, until --duration elapses or Ctrl+C is pressed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRTTCapture,
}

var rttReplayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Print a capture file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRTTReplay,
}

func init() {
	pf := rttCmd.PersistentFlags()
	pf.IntVarP(&rttChannel, "channel", "c", 0, "channel index")
	pf.StringVar(&rttAddress, "address", "", "control block address")
	pf.DurationVar(&rttSearch, "search-timeout", 5*time.Second, "how long to look for the control block")
	pf.DurationVar(&rttPoll, "poll", 20*time.Millisecond, "up channel poll interval")

	rttTerminalCmd.Flags().StringVar(&rttCapturePath, "capture", "", "also record output to this capture file")
	rttCaptureCmd.Flags().DurationVar(&rttDuration, "duration", 0, "stop after this long (0 runs until interrupted)")
	rttReplayCmd.Flags().BoolVar(&rttReplayAll, "all", false, "print every channel and prefix frames with their channel")

	rttCmd.AddCommand(rttChannelsCmd, rttTerminalCmd, rttCaptureCmd, rttReplayCmd)
	rootCmd.AddCommand(rttCmd)
}

func channelFor(cmd *cobra.Command) int {
	if cmd.Flags().Changed("channel") {
		return rttChannel
	}
	return cfg.RTT.Channel
}

// startRTT connects and waits for the control block.
func startRTT() (*session.Session, error) {
	s, err := openSession()
	if err != nil {
		return nil, err
	}
	if err := findRTT(s); err != nil {
		closeSession(s)
		return nil, err
	}
	return s, nil
}

func findRTT(s *session.Session) error {
	addr := cfg.RTT.ControlBlock
	if rttAddress != "" {
		v, err := parseUint32(rttAddress)
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		addr = v
	}
	if addr != 0 {
		if err := s.RTTSetControlBlockAddress(addr); err != nil {
			return fmt.Errorf("set control block address: %w", err)
		}
	}
	if err := s.RTTStart(); err != nil {
		return fmt.Errorf("start RTT: %w", err)
	}

	deadline := time.Now().Add(rttSearch)
	for {
		found, err := s.RTTIsControlBlockFound()
		if err != nil {
			return fmt.Errorf("search control block: %w", err)
		}
		if found {
			logger.Debug("RTT control block found")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no RTT control block found within %s", rttSearch)
		}
	}
}

func runRTTChannels(cmd *cobra.Command, args []string) error {
	s, err := startRTT()
	if err != nil {
		return err
	}
	defer closeSession(s)

	down, up, err := s.RTTReadChannelCount()
	if err != nil {
		return err
	}
	list := func(d rtt.Direction, n int) error {
		fmt.Printf("%s channels (%d):\n", d, n)
		for i := 0; i < n; i++ {
			info, err := s.RTTReadChannelInfo(i, d)
			if err != nil {
				return err
			}
			name := info.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("  [%d] %-16s %6d bytes\n", info.Index, name, info.Size)
		}
		return nil
	}
	if err := list(rtt.Up, up); err != nil {
		return err
	}
	return list(rtt.Down, down)
}

// pump polls the up channel until ctx ends, handing each chunk to out. Lines
// received on in are written to the down channel. It is the only goroutine
// touching s.
func pump(ctx context.Context, s *session.Session, ch int, in <-chan string, out func([]byte) error) error {
	ticker := time.NewTicker(rttPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if err := writeAll(ctx, s, ch, []byte(line)); err != nil {
				return err
			}
		case <-ticker.C:
			data, err := s.RTTRead(ch, 4096)
			if err != nil {
				return fmt.Errorf("read channel %d: %w", ch, err)
			}
			if len(data) == 0 {
				continue
			}
			if err := out(data); err != nil {
				return err
			}
		}
	}
}

// writeAll retries until the target has drained enough of the down buffer.
func writeAll(ctx context.Context, s *session.Session, ch int, data []byte) error {
	for len(data) > 0 {
		n, err := s.RTTWrite(ch, data)
		if err != nil {
			return fmt.Errorf("write channel %d: %w", ch, err)
		}
		data = data[n:]
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(rttPoll):
			}
		}
	}
	return nil
}

func runRTTTerminal(cmd *cobra.Command, args []string) error {
	ch := channelFor(cmd)
	s, err := startRTT()
	if err != nil {
		return err
	}
	defer closeSession(s)

	var rec *rtt.Recorder
	if rttCapturePath != "" {
		if rec, err = rtt.CreateRecorder(rttCapturePath); err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer rec.Close()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("rtt%d> ", ch),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan string)
	done := make(chan error, 1)
	go func() {
		done <- pump(ctx, s, ch, in, func(data []byte) error {
			if rec != nil {
				if err := rec.Record(ch, data); err != nil {
					return fmt.Errorf("record: %w", err)
				}
			}
			_, err := rl.Stdout().Write(data)
			return err
		})
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			break
		}
		select {
		case in <- line + "\n":
		case err := <-done:
			return err
		}
	}
	cancel()
	return <-done
}

func runRTTCapture(cmd *cobra.Command, args []string) error {
	ch := channelFor(cmd)
	rec, err := rtt.CreateRecorder(args[0])
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer rec.Close()

	s, err := startRTT()
	if err != nil {
		return err
	}
	defer closeSession(s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if rttDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rttDuration)
		defer cancel()
	}

	total := 0
	err = pump(ctx, s, ch, nil, func(data []byte) error {
		total += len(data)
		if err := rec.Record(ch, data); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		_, err := os.Stdout.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Captured %d bytes from channel %d.\n", total, ch)
	return nil
}

func runRTTReplay(cmd *cobra.Command, args []string) error {
	ch := channelFor(cmd)
	if rttReplayAll {
		ch = -1
	}
	r, err := rtt.OpenReader(args[0], ch)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer r.Close()

	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read capture: %w", err)
		}
		if rttReplayAll {
			fmt.Printf("[%s ch%d] ", f.Time.Format(time.TimeOnly), f.Channel)
		}
		os.Stdout.Write(f.Data)
		if rttReplayAll {
			fmt.Println()
		}
	}
}
