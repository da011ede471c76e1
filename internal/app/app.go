package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"example.com/hangul-battle/internal/api"
	"example.com/hangul-battle/internal/battle"
	"example.com/hangul-battle/internal/config"
	"example.com/hangul-battle/internal/identity"
	"golang.org/x/sync/errgroup"
)

// Host/guest connect staggering: the host connects late and joins even later
// so its room listener exists server-side before the guest's join lands.
const (
	hostConnectDelay      = 500 * time.Millisecond
	hostJoinInitialDelay  = 1500 * time.Millisecond
	guestJoinInitialDelay = 600 * time.Millisecond
)

const viewPollInterval = 250 * time.Millisecond

// App wires config, identity, the REST collaborator and the realtime channel
// into a runnable battle session.
type App struct {
	cfg config.Config
	log *slog.Logger
	ids *identity.Store
	api *api.Client

	in  io.Reader
	out io.Writer
}

func New(cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	ids, err := identity.Open(cfg.State.Dir, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg: cfg,
		log: log,
		ids: ids,
		api: api.New(cfg.API.BaseURL, cfg.API.Timeout, ids.Token, log),
		in:  os.Stdin,
		out: os.Stdout,
	}, nil
}

func (a *App) bootstrap(ctx context.Context) error {
	return a.ids.Bootstrap(ctx, func(ctx context.Context) (identity.Credentials, error) {
		g, err := a.api.CreateGuest(ctx)
		if err != nil {
			return identity.Credentials{}, err
		}
		return identity.Credentials{PlayerID: g.PlayerID, Token: g.GuestToken, ExpiresAt: g.ExpiresAt}, nil
	})
}

// Host creates a room, prints the invite code, and runs the session as host.
func (a *App) Host(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	room, err := a.api.CreateRoom(ctx, a.ids.PlayerID())
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	fmt.Fprintf(a.out, "초대 코드: %s\n", room.RoomCode)
	fmt.Fprintln(a.out, "상대를 기다리는 중...")

	return a.runSession(ctx, room, true)
}

// Join enters a room by invite code and runs the session as guest.
func (a *App) Join(ctx context.Context, roomCode string) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	room, err := a.api.EnterRoom(ctx, roomCode, a.ids.PlayerID())
	if err != nil {
		return fmt.Errorf("enter room: %w", err)
	}

	return a.runSession(ctx, room, false)
}

func (a *App) runSession(ctx context.Context, room api.Room, host bool) error {
	opts := battle.Options{
		SessionID:        room.SessionID,
		RoomCode:         room.RoomCode,
		ShouldJoin:       true,
		JoinInitialDelay: a.cfg.Battle.JoinInitialDelay,
		JoinRetryDelay:   a.cfg.Battle.JoinRetryDelay,
		DialTimeout:      a.cfg.WS.DialTimeout,
		AckTimeout:       a.cfg.WS.AckTimeout,
	}
	if host {
		opts.ConnectDelay = hostConnectDelay
		opts.JoinInitialDelay = hostJoinInitialDelay
	} else if opts.JoinInitialDelay < guestJoinInitialDelay {
		opts.JoinInitialDelay = guestJoinInitialDelay
	}

	ch, err := battle.Open(ctx, a.cfg.WS.URL, a.ids, opts, a.log)
	if err != nil {
		return err
	}
	defer ch.Close()

	proj := battle.NewProjector(a.api, battle.DefaultBadgeCount, a.log)

	g, gctx := errgroup.WithContext(ctx)
	lines := readLines(gctx, a.in)
	g.Go(func() error {
		return a.sessionLoop(gctx, ch, proj, room, host, lines)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLines feeds scanned input lines until the reader ends or ctx is
// canceled, so a finished session never strands the feed on a blocked send.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func (a *App) sessionLoop(ctx context.Context, ch *battle.Channel, proj *battle.Projector, room api.Room, host bool, lines <-chan string) error {
	ticker := time.NewTicker(viewPollInterval)
	defer ticker.Stop()

	started := false
	lastRound := 0
	lastQuestion := ""

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			a.submit(ctx, ch, strings.TrimSpace(line))

		case <-ticker.C:
			v := ch.View()

			if host && !started && v.Phase == battle.PhaseStarting {
				if err := a.api.StartBattle(ctx, room.SessionID); err != nil {
					a.log.Warn("battle start failed", "err", err)
				} else {
					started = true
				}
			}

			if v.Round.Current > lastRound {
				lastRound = v.Round.Current
				fmt.Fprintf(a.out, "\n%d ROUND / %d\n", v.Round.Current, v.Round.Total)
			}
			if v.Question != nil && v.Question.Text != lastQuestion {
				lastQuestion = v.Question.Text
				fmt.Fprintf(a.out, "문제: %s\n", v.Question.Text)
			}

			if proj.ShouldRefresh(v.Round.Current) {
				a.refreshBadges(ctx, proj, room.SessionID)
			}

			if v.Phase == battle.PhaseEnded {
				a.refreshBadges(ctx, proj, room.SessionID)
				a.printResult(ctx, room.SessionID)
				return nil
			}
		}
	}
}

func (a *App) submit(ctx context.Context, ch *battle.Channel, text string) {
	if text == "" {
		return
	}
	round := ch.View().Round.Current

	// record before awaiting the ack, so a judgment racing ahead of it can
	// still be attributed
	ch.Pending().Record(a.ids.PlayerID(), round, text)
	ch.SendTyping(battle.TypingRequest{Round: round, Text: text})

	if err := ch.SubmitAnswer(ctx, round, text); err != nil {
		fmt.Fprintf(a.out, "정답 제출 실패: %v\n", err)
		return
	}
	ch.SendTyping(battle.TypingRequest{Round: round, Text: ""})
}

func (a *App) refreshBadges(ctx context.Context, proj *battle.Projector, sessionID string) {
	badges, ok, err := proj.Refresh(ctx, sessionID, a.ids.PlayerID())
	if err != nil {
		a.log.Warn("badge refresh failed", "err", err)
		return
	}
	if !ok {
		return
	}
	wins, losses := battle.Tally(badges)
	fmt.Fprintf(a.out, "배지: %v (나 +%d / 너 +%d)\n", badges, wins, losses)
}

func (a *App) printResult(ctx context.Context, sessionID string) {
	raw, err := a.api.Result(ctx, sessionID)
	if err != nil {
		a.log.Warn("result fetch failed", "err", err)
		return
	}
	fmt.Fprintf(a.out, "\n게임 종료\n%s\n", string(raw))
}
