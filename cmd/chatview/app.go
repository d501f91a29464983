package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/chatview/internal/auth"
	"github.com/and161185/chatview/internal/bridge"
	"github.com/and161185/chatview/internal/cache"
	"github.com/and161185/chatview/internal/config"
	"github.com/and161185/chatview/internal/controller"
	"github.com/and161185/chatview/internal/graph"
	"github.com/and161185/chatview/internal/model"
)

const (
	pageLogin = "login"
	pageMain  = "main"
)

// appState owns the UI primitives and the controllers behind them. All tview
// mutations go through QueueUpdateDraw because controller callbacks arrive on
// fetch goroutines.
type appState struct {
	cfg    *config.Config
	logger *zap.Logger

	app       *tview.Application
	pages     *tview.Pages
	loginView *tview.TextView
	chatList  *tview.List
	msgView   *tview.TextView
	compose   *tview.InputField
	statusBar *tview.TextView

	provider *auth.Provider
	br       *bridge.Bridge

	conversations *controller.Controller[string, []model.Conversation]
	messages      *controller.MessagesController
	presence      *controller.Controller[string, model.PresenceRecord]
	photo         *controller.Controller[string, *model.Photo]
	profile       *controller.Controller[string, model.Profile]

	convs []model.Conversation
}

func newApp(cfg *config.Config, logger *zap.Logger) (*appState, error) {
	s := &appState{
		cfg:    cfg,
		logger: logger,
		app:    tview.NewApplication(),
		br:     bridge.New(),
	}
	s.buildUI()

	authn, err := auth.NewDeviceCodeAuthenticator(auth.DeviceCodeConfig{
		ClientID:  cfg.ClientID,
		Tenant:    cfg.Tenant,
		Authority: cfg.Authority,
		Logger:    logger,
		Prompt: func(message, _, _ string) {
			s.app.QueueUpdateDraw(func() { s.loginView.SetText(message) })
		},
	})
	if err != nil {
		return nil, err
	}
	s.provider = auth.NewProvider(authn, logger)
	s.provider.SetAccount(model.Account{ID: "me"})

	limiter := rate.NewLimiter(rate.Limit(5), 10)
	clients := func(tok model.Token) controller.API {
		return graph.New(cfg.GraphBaseURL, tok,
			graph.WithLimiter(limiter),
			graph.WithLogger(logger),
		)
	}

	presences := cache.New[model.PresenceRecord](cfg.PresenceTTL, cfg.CacheEntries)
	photos := cache.New[*model.Photo](cfg.PhotoTTL, cfg.CacheEntries)

	s.conversations = controller.NewConversations(s.provider, clients, cfg.Scopes, graph.DefaultPageSize, logger,
		func(snap controller.Snapshot[[]model.Conversation]) { s.renderConversations(snap) })
	s.messages = controller.NewMessages(s.provider, clients, s.br, cfg.Scopes, cfg.PageSize, logger,
		func(snap controller.Snapshot[[]model.Message]) { s.renderMessages(snap) })
	s.presence = controller.NewPresence(s.provider, clients, presences, cfg.Scopes, logger,
		func(snap controller.Snapshot[model.PresenceRecord]) { s.renderStatus() })
	s.photo = controller.NewPhoto(s.provider, clients, photos, cfg.Scopes, logger,
		func(snap controller.Snapshot[*model.Photo]) { s.renderStatus() })
	s.profile = controller.NewProfile(s.provider, clients, cfg.Scopes, logger,
		func(snap controller.Snapshot[model.Profile]) { s.renderStatus() })

	return s, nil
}

func (s *appState) buildUI() {
	s.loginView = tview.NewTextView()
	s.loginView.SetText("Signing in...")
	s.loginView.SetTextAlign(tview.AlignCenter)
	s.loginView.SetBorder(true)
	s.loginView.SetTitle(" Sign in ")

	s.chatList = tview.NewList().ShowSecondaryText(true)
	s.chatList.SetBorder(true)
	s.chatList.SetTitle(" Conversations ")
	s.chatList.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		if index >= 0 && index < len(s.convs) {
			conv := s.convs[index]
			s.openConversation(conv)
		}
	})

	s.msgView = tview.NewTextView()
	s.msgView.SetDynamicColors(true)
	s.msgView.SetBorder(true)
	s.msgView.SetTitle(" Messages ")

	s.compose = tview.NewInputField().SetLabel("> ")
	s.compose.SetBorder(true)
	s.compose.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := s.compose.GetText()
		if strings.TrimSpace(text) == "" {
			return
		}
		s.compose.SetText("")
		go func() {
			if err := s.messages.Send(context.Background(), text); err != nil {
				s.logger.Warn("send failed", zap.Error(err))
			}
		}()
	})

	s.statusBar = tview.NewTextView()
	s.statusBar.SetDynamicColors(true)

	chatPane := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.msgView, 0, 1, false).
		AddItem(s.compose, 3, 0, false)
	mainView := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().
			AddItem(s.chatList, 0, 1, true).
			AddItem(chatPane, 0, 2, false), 0, 1, true).
		AddItem(s.statusBar, 1, 0, false)

	s.pages = tview.NewPages()
	s.pages.AddPage(pageLogin, s.loginView, true, true)
	s.pages.AddPage(pageMain, mainView, true, false)

	s.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlR:
			go func() {
				ctx := context.Background()
				s.conversations.Refresh(ctx)
				s.messages.Refresh(ctx)
			}()
			return nil
		case tcell.KeyTab:
			if s.chatList.HasFocus() {
				s.app.SetFocus(s.compose)
			} else {
				s.app.SetFocus(s.chatList)
			}
			return nil
		}
		return event
	})

	s.app.SetRoot(s.pages, true)
}

// run signs in in the background and blocks on the UI loop until the user
// quits or ctx is cancelled.
func (s *appState) run(ctx context.Context) error {
	defer s.messages.Close()

	go func() {
		<-ctx.Done()
		s.app.Stop()
	}()

	go s.signIn(ctx)

	return s.app.Run()
}

// signIn drives the silent-then-interactive token acquisition. The device-code
// prompt lands on the login page; once a token is in hand the main view takes
// over.
func (s *appState) signIn(ctx context.Context) {
	if _, err := s.provider.GetAccessToken(ctx, s.cfg.Scopes); err != nil {
		s.logger.Error("sign-in failed", zap.Error(err))
		s.app.QueueUpdateDraw(func() {
			s.loginView.SetText(fmt.Sprintf("Sign-in failed: %v\nPress Ctrl+C to quit.", err))
		})
		return
	}
	s.logger.Info("signed in")

	s.app.QueueUpdateDraw(func() {
		s.pages.SwitchToPage(pageMain)
		s.app.SetFocus(s.chatList)
	})
	s.profile.SetKey(ctx, "me")
	s.conversations.SetKey(ctx, "me")
}

// openConversation runs inside the tview event loop; controller transitions
// call back into rendering, so they are pushed onto a separate goroutine.
func (s *appState) openConversation(conv model.Conversation) {
	s.msgView.SetTitle(fmt.Sprintf(" %s ", s.conversationTitle(conv)))
	s.app.SetFocus(s.compose)
	go func() {
		ctx := context.Background()
		s.messages.SetKey(ctx, conv.ID)
		if peer, ok := s.peerOf(conv); ok {
			s.presence.SetKey(ctx, peer.ID)
			s.photo.SetKey(ctx, peer.ID)
		} else {
			s.presence.ClearKey()
			s.photo.ClearKey()
		}
	}()
}

// peerOf picks the other participant of a one-on-one chat.
func (s *appState) peerOf(conv model.Conversation) (model.Member, bool) {
	if conv.Kind != model.KindOneOnOne {
		return model.Member{}, false
	}
	acct, _ := s.provider.Account()
	for _, m := range conv.Members {
		if m.ID != acct.ID {
			return m, true
		}
	}
	return model.Member{}, false
}

func (s *appState) conversationTitle(conv model.Conversation) string {
	if conv.Topic != "" {
		return conv.Topic
	}
	acct, _ := s.provider.Account()
	names := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		if m.ID == acct.ID {
			continue
		}
		names = append(names, m.DisplayName)
	}
	if len(names) == 0 {
		return "(unnamed chat)"
	}
	return strings.Join(names, ", ")
}

func (s *appState) renderConversations(snap controller.Snapshot[[]model.Conversation]) {
	s.app.QueueUpdateDraw(func() {
		if snap.Err != nil {
			s.statusBar.SetText(fmt.Sprintf("[red]chats: %v", snap.Err))
		}
		if !snap.HasData {
			return
		}
		s.convs = snap.Data
		s.chatList.Clear()
		for _, conv := range snap.Data {
			secondary := string(conv.Kind)
			if !conv.LastUpdated.IsZero() {
				secondary = fmt.Sprintf("%s · %s", conv.Kind, conv.LastUpdated.Format("Jan 2 15:04"))
			}
			s.chatList.AddItem(s.conversationTitle(conv), secondary, 0, nil)
		}
	})
}

func (s *appState) renderMessages(snap controller.Snapshot[[]model.Message]) {
	s.app.QueueUpdateDraw(func() {
		if snap.Err != nil {
			s.statusBar.SetText(fmt.Sprintf("[red]messages: %v", snap.Err))
		} else if snap.Sending {
			s.statusBar.SetText("sending...")
		} else if snap.Loading && !snap.HasData {
			s.msgView.SetText("loading...")
			return
		}
		if !snap.HasData {
			return
		}
		var b strings.Builder
		for _, m := range snap.Data {
			fmt.Fprintf(&b, "[yellow]%s[-] [::b]%s[::-]\n%s\n\n",
				m.CreatedAt.Local().Format("15:04"),
				tview.Escape(m.Sender.DisplayName),
				tview.Escape(renderBody(m)),
			)
		}
		s.msgView.SetText(b.String())
		s.msgView.ScrollToEnd()
	})
}

// renderBody flattens an HTML body to rough plain text; text bodies pass through.
func renderBody(m model.Message) string {
	if m.BodyContentType != model.BodyHTML {
		return m.BodyContent
	}
	replacer := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">")
	out := replacer.Replace(m.BodyContent)
	for {
		start := strings.Index(out, "<")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], ">")
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+1:]
	}
	return strings.TrimSpace(out)
}

// renderStatus redraws the bottom bar from the profile, presence, and photo
// snapshots, whichever have settled.
func (s *appState) renderStatus() {
	s.app.QueueUpdateDraw(func() {
		var parts []string
		if p := s.profile.Snapshot(); p.HasData {
			parts = append(parts, fmt.Sprintf("signed in as %s", p.Data.DisplayName))
		}
		if pr := s.presence.Snapshot(); pr.HasData {
			avail := pr.Data.Availability
			if pr.Data.StatusMessage != "" {
				avail += ": " + pr.Data.StatusMessage
			}
			parts = append(parts, "peer: "+avail)
		}
		if ph := s.photo.Snapshot(); ph.HasData && ph.Data != nil {
			parts = append(parts, fmt.Sprintf("photo %s %dB", ph.Data.ContentType, len(ph.Data.Bytes)))
		}
		s.statusBar.SetText(tview.Escape(strings.Join(parts, " | ")))
	})
}
