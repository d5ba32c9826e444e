// Peercall: CLI entry point.
//
// This tool places and answers 1:1 WebRTC audio/video calls. Offers, answers
// and ICE candidates travel through a WebSocket relay; media flows directly
// between the peers once ICE connects.
//
// Every setting can be given as a flag or a PEERCALL_* environment variable.
// After connecting, calls are driven from an interactive prompt, or by the
// -call and -auto-answer flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/call"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

const statsInterval = 5 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}
	if err := util.SetLevel(cfg.LogLevel); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("Peercall — v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("signed out")
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config) error {
	relayURL, err := config.NormalizeRelayURL(cfg.RelayURL)
	if err != nil {
		return err
	}
	self := signaling.UserID(cfg.UserID)

	tr, err := signaling.DialWS(ctx, relayURL, self)
	if err != nil {
		return err
	}
	defer tr.Close()
	util.LogSuccess("connected to relay as user %s", self)

	factory, err := peer.NewFactory(cfg)
	if err != nil {
		return err
	}
	devices := media.NewManager(media.DeviceCapturer{}, media.Devices{
		Audio: cfg.AudioDevice,
		Video: cfg.VideoDevice,
	})
	sink := media.NewSink(cfg.RecordDir)

	var calls *call.Manager
	calls = call.NewManager(
		signaling.NewChannel(tr, self, cfg.SendTimeout),
		devices,
		call.FromFactory(factory),
		call.Options{
			RingTimeout: cfg.RingTimeout,
			Hooks: call.Hooks{
				IncomingCall: func(from signaling.UserID, medium media.Medium) {
					if cfg.AutoAnswer {
						go func() {
							if err := calls.AcceptCall(ctx); err != nil {
								util.LogError("auto-answer failed: %v", err)
							}
						}()
						return
					}
					pterm.Info.Printfln("user %s is calling (%s): type 'accept' or 'reject'", from, medium)
				},
				RemoteTrack: func(track *webrtc.TrackRemote, _ *media.RemoteStream) {
					label := "call-" + calls.Snapshot().SessionID
					go func() {
						if err := sink.Consume(track, label); err != nil {
							util.LogDebug("remote %s track: %v", track.Kind(), err)
						}
					}()
				},
				CallEnded: func(with signaling.UserID, reason call.EndReason) {
					pterm.Info.Printfln("call with user %s ended (%s)", with, reason)
				},
			},
		},
	)

	util.StartStatsReporter(ctx, statsInterval)

	done := make(chan error, 1)
	go func() { done <- calls.Run(ctx) }()

	if cfg.CallUser != 0 {
		medium := media.MediumAudio
		if cfg.Video {
			medium = media.MediumVideo
		}
		if err := calls.InitiateCall(ctx, signaling.UserID(cfg.CallUser), medium); err != nil {
			util.LogError("call failed: %v", err)
		}
	}

	quit := make(chan struct{})
	go func() {
		runPrompt(ctx, calls, devices)
		close(quit)
	}()

	select {
	case <-ctx.Done():
	case <-quit:
		_ = calls.HangUp(ctx)
		tr.Close()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("signaling connection lost: %w", err)
		}
		return nil
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		util.LogDebug("signaling stopped: %v", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Interactive prompt
// ---------------------------------------------------------------------------

const usage = `commands:
  call <user> [video]     place a call
  accept | reject         answer the incoming call
  hangup                  end the current call
  mute | video            toggle microphone / camera
  switch <audio> [video]  change capture files
  status                  show the current call
  quit`

// runPrompt reads commands until quit or ctx is cancelled.
func runPrompt(ctx context.Context, calls *call.Manager, devices *media.Manager) {
	pterm.Println(usage)
	pterm.Println()

	for ctx.Err() == nil {
		raw, err := pterm.DefaultInteractiveTextInput.WithDefaultText("peercall").Show()
		if err != nil {
			return
		}
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := execute(ctx, calls, devices, fields); err != nil {
			util.LogWarning("%v", err)
		}
	}
}

func execute(ctx context.Context, calls *call.Manager, devices *media.Manager, fields []string) error {
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "call":
		if len(args) == 0 {
			return errors.New("usage: call <user> [video]")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid user id: %s", args[0])
		}
		medium := media.MediumAudio
		if len(args) > 1 {
			if medium, err = media.ParseMedium(args[1]); err != nil {
				return err
			}
		}
		return calls.InitiateCall(ctx, signaling.UserID(id), medium)

	case "accept":
		return calls.AcceptCall(ctx)

	case "reject":
		return calls.RejectCall(ctx)

	case "hangup", "end":
		return calls.HangUp(ctx)

	case "mute":
		muted, err := calls.ToggleMute()
		if err != nil {
			return err
		}
		util.LogInfo("microphone %s", onOff(!muted))

	case "video":
		enabled, err := calls.ToggleVideo()
		if err != nil {
			return err
		}
		util.LogInfo("camera %s", onOff(enabled))

	case "switch":
		if len(args) == 0 {
			return errors.New("usage: switch <audio> [video]")
		}
		next := devices.Devices()
		next.Audio = args[0]
		if len(args) > 1 {
			next.Video = args[1]
		}
		if next.Audio == "-" {
			next.Audio = ""
		}
		return calls.SwitchDevice(ctx, next)

	case "status":
		printStatus(calls.Snapshot())

	case "help":
		pterm.Println(usage)

	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

func printStatus(snap call.Snapshot) {
	if snap.State == call.StateIdle {
		pterm.Info.Println("no call")
		return
	}
	rows := pterm.TableData{
		{"state", snap.State.String()},
		{"call", snap.SessionID},
		{"with", snap.Counterpart.String()},
		{"medium", string(snap.Medium)},
		{"microphone", onOff(!snap.Muted)},
	}
	if snap.Medium.HasVideo() {
		rows = append(rows, []string{"camera", onOff(snap.VideoEnabled)})
	}
	if snap.Remote != nil {
		rows = append(rows, []string{"remote tracks", strconv.Itoa(len(snap.Remote.Tracks()))})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
