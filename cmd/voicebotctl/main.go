package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voicebot/internal/bus"
	"github.com/loqalabs/loqa-voicebot/internal/config"
	"github.com/loqalabs/loqa-voicebot/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "usage: voicebotctl <speak|skip|clear|queue|watch|validate|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "speak":
		err = runSpeak(os.Args[2:])
	case "skip":
		err = runControl(protocol.ActionSkip, os.Args[2:])
	case "clear":
		err = runControl(protocol.ActionClear, os.Args[2:])
	case "queue":
		err = runControl(protocol.ActionQueue, os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type busFlags struct {
	servers string
	guild   string
	timeout time.Duration
}

func newFlagSet(name string, bf *busFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&bf.servers, "servers", "nats://localhost:4222", "Comma separated NATS servers")
	fs.StringVar(&bf.guild, "guild", "", "Guild ID")
	fs.DurationVar(&bf.timeout, "timeout", 5*time.Second, "Request timeout")
	return fs
}

func (bf busFlags) connect(ctx context.Context) (*bus.Client, error) {
	if bf.guild == "" {
		return nil, errors.New("-guild is required")
	}
	cfg := config.Default().Bus
	cfg.Servers = strings.Split(bf.servers, ",")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, cfg, "voicebotctl", logger)
}

func runSpeak(args []string) error {
	var (
		bf    busFlags
		text  string
		style string
	)
	fs := newFlagSet("speak", &bf)
	fs.StringVar(&text, "text", "", "Text to read aloud")
	fs.StringVar(&style, "style", "", "Style ID (default: guild preference)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.SpeakReply
	req := protocol.SpeakRequest{GuildID: bf.guild, Text: text, StyleID: style, Source: "cli"}
	if err := client.RequestJSON(ctx, protocol.SubjectSpeak, req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Printf("queued %s (%d pending)\n", reply.JobID, reply.Pending)
	return nil
}

func runControl(action protocol.ControlAction, args []string) error {
	var bf busFlags
	fs := newFlagSet(string(action), &bf)
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.SubjectControl, protocol.ControlRequest{GuildID: bf.guild, Action: action}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return printJSON(reply)
}

func runWatch(args []string) error {
	var bf busFlags
	fs := newFlagSet("watch", &bf)
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	connectCtx, cancel := context.WithTimeout(ctx, bf.timeout)
	client, err := bf.connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Conn().Subscribe(protocol.JobStatusSubject(bf.guild), func(msg *nats.Msg) {
		var status protocol.JobStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			fmt.Fprintf(os.Stderr, "bad status message: %v\n", err)
			return
		}
		line := fmt.Sprintf("%s %s %-9s %s", status.Timestamp.Format(time.RFC3339), status.JobID, status.Status, status.Source)
		if status.Error != "" {
			line += " error=" + status.Error
		}
		fmt.Println(line)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func runValidate(args []string) error {
	var path string
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.StringVar(&path, "config", "voicebot.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
