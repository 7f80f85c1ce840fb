// Package tui is a read-oriented terminal browser for the message
// archive. It works directly on the archive database and does not need
// the daemon to be running.
package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mfelten/histd/internal/archive"
	"github.com/rivo/tview"
)

const scrollbackLimit = 300

// App is the TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	convList  *conversationList
	msgView   *messageView
	statusBar *tview.TextView
	search    *tview.InputField

	db        *archive.DB
	accountID int64

	active archive.Conversation
}

// NewApp creates the archive browser for one account.
func NewApp(db *archive.DB, accountID int64, profileName string) *App {
	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		convList:  newConversationList(),
		msgView:   newMessageView(),
		db:        db,
		accountID: accountID,
	}

	a.statusBar = tview.NewTextView().SetDynamicColors(true)
	a.statusBar.SetText(fmt.Sprintf(
		" [aqua]%s[-]  enter:open  r:mark read  /:search  q:quit", profileName))

	a.search = tview.NewInputField().SetLabel(" search: ")
	a.search.SetDoneFunc(func(key tcell.Key) {
		text := a.search.GetText()
		a.pages.HidePage("search")
		a.app.SetFocus(a.convList)
		if key == tcell.KeyEnter && text != "" {
			a.showSearchResults(text)
		}
	})

	a.setupLayout()
	a.setupBindings()
	return a
}

// Run refreshes the data and enters the event loop.
func (a *App) Run() error {
	if err := a.refresh(); err != nil {
		return err
	}
	return a.app.SetRoot(a.pages, true).Run()
}

func (a *App) setupLayout() {
	main := tview.NewFlex().
		AddItem(a.convList, 0, 1, true).
		AddItem(a.msgView, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(main, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.pages.AddPage("main", root, true, true)
	a.pages.AddPage("search", modal(a.search, 60, 3), true, false)
}

func (a *App) setupBindings() {
	a.convList.SetSelectedFunc(func(row, col int) {
		a.openSelected()
	})
	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if a.app.GetFocus() == a.search {
			return ev
		}
		switch ev.Rune() {
		case 'q':
			a.app.Stop()
			return nil
		case 'r':
			a.markActiveRead()
			return nil
		case '/':
			a.pages.ShowPage("search")
			a.app.SetFocus(a.search)
			return nil
		}
		if ev.Key() == tcell.KeyTab {
			if a.app.GetFocus() == a.convList {
				a.app.SetFocus(a.msgView)
			} else {
				a.app.SetFocus(a.convList)
			}
			return nil
		}
		return ev
	})
}

func (a *App) refresh() error {
	convs, err := a.db.ListConversations(a.accountID)
	if err != nil {
		return err
	}
	a.convList.update(convs)
	return nil
}

func (a *App) openSelected() {
	conv, ok := a.convList.selected()
	if !ok {
		return
	}
	a.active = conv
	msgs, err := a.db.RecentMessages(a.accountID, []int64{conv.IdentityID}, scrollbackLimit, 0)
	if err != nil {
		a.flash(err.Error())
		return
	}
	a.msgView.update(conv.Address, msgs)
	a.app.SetFocus(a.msgView)
}

func (a *App) markActiveRead() {
	if a.active.IdentityID == 0 {
		return
	}
	unread, err := a.db.ListUnread()
	if err != nil {
		a.flash(err.Error())
		return
	}
	var ids []int64
	for _, u := range unread {
		if u.IdentityID == a.active.IdentityID {
			ids = append(ids, u.MessageID)
		}
	}
	if err := a.db.SetRead(ids); err != nil {
		a.flash(err.Error())
		return
	}
	if err := a.refresh(); err != nil {
		a.flash(err.Error())
	}
}

func (a *App) showSearchResults(text string) {
	ids := make([]int64, 0, len(a.convList.convs))
	for _, c := range a.convList.convs {
		ids = append(ids, c.IdentityID)
	}
	msgs, err := a.db.SearchMessages(a.accountID, ids, text, time.Time{})
	if err != nil {
		a.flash(err.Error())
		return
	}
	a.msgView.update(fmt.Sprintf("search: %s", text), msgs)
	a.app.SetFocus(a.msgView)
}

func (a *App) flash(msg string) {
	a.statusBar.SetText(" [red]" + tview.Escape(msg) + "[-]")
}

// modal centers a primitive at a fixed size.
func modal(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 0, true).
			AddItem(nil, 0, 1, false), width, 0, true).
		AddItem(nil, 0, 1, false)
}
