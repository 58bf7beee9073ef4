package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/parlor-chat/parlor/internal/peer"
	"github.com/parlor-chat/parlor/internal/signaling"
)

var (
	flagStun           []string
	flagTurn           []string
	flagTurnUsername   string
	flagTurnCredential string
	flagSilence        bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the room and negotiate media with every other member",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringSliceVar(&flagStun, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server urls")
	joinCmd.Flags().StringSliceVar(&flagTurn, "turn", nil, "TURN server urls")
	joinCmd.Flags().StringVar(&flagTurnUsername, "turn-username", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTurnCredential, "turn-credential", "", "TURN credential")
	joinCmd.Flags().BoolVar(&flagSilence, "silence", true, "publish a silent opus track")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	iceServers, err := iceServersFromFlags()
	if err != nil {
		return err
	}

	engine, err := peer.NewEngine(logger, iceServers)
	if err != nil {
		return err
	}

	var media peer.MediaSource = peer.NoMediaSource{}
	if flagSilence {
		silence, err := peer.NewSilentAudioSource()
		if err != nil {
			return err
		}
		go func() {
			if err := silence.Pump(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("silence pump stopped", "err", err)
			}
		}()
		media = silence
	}

	ch, err := peer.Dial(ctx, flagServer, flagRoom, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	coordinator := peer.NewCoordinator(logger, ch, engine.NewHandle, media,
		signaling.Capabilities{
			SupportsRealtimeMedia: true,
			ClientFamily:          "parlor-client",
			ClientVersion:         1,
		},
		peer.WithAutoRenderReady(),
		peer.WithTrackHandler(func(remoteID uint64, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Info("receiving media", "remote_id", remoteID, "codec", track.Codec().MimeType)
			go drainTrack(track)
		}),
		peer.WithFailureHandler(func(remoteID uint64) {
			logger.Warn("peer connection failed", "remote_id", remoteID)
		}),
	)
	defer coordinator.Close()

	err = ch.Run(ctx, coordinator)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainTrack keeps the receiver's RTP flowing; a headless client has
// nowhere to render it.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("track read ended", "err", err)
			}
			return
		}
	}
}

func iceServersFromFlags() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if len(flagStun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: flagStun})
	}
	if len(flagTurn) > 0 {
		if flagTurnUsername == "" || flagTurnCredential == "" {
			return nil, errors.New("--turn requires --turn-username and --turn-credential")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       flagTurn,
			Username:   flagTurnUsername,
			Credential: flagTurnCredential,
		})
	}
	return servers, nil
}
