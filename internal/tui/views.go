package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mfelten/histd/internal/archive"
	"github.com/rivo/tview"
)

// conversationList is the left-hand conversation table.
type conversationList struct {
	*tview.Table
	convs []archive.Conversation
}

func newConversationList() *conversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(tcell.ColorBlack).Background(tcell.ColorAqua))
	return &conversationList{Table: table}
}

func (cl *conversationList) update(convs []archive.Conversation) {
	cl.convs = convs
	cl.Clear()

	cl.SetCell(0, 0, headerCell(" Address"))
	cl.SetCell(0, 1, headerCell(" Last Message"))
	cl.SetCell(0, 2, headerCell(" Time"))

	for i, c := range convs {
		row := i + 1
		name := c.Address
		if c.Kind == archive.AddressRoom {
			name = "# " + name
		}
		if c.Unread > 0 {
			name = fmt.Sprintf("* %s (%d)", name, c.Unread)
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(40).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+c.Preview).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+relativeTime(c.LastAt)).SetMaxWidth(12))
	}
	if len(convs) > 0 {
		cl.Select(1, 0)
	}
}

// selected returns the conversation under the cursor.
func (cl *conversationList) selected() (archive.Conversation, bool) {
	row, _ := cl.GetSelection()
	idx := row - 1 // header
	if idx < 0 || idx >= len(cl.convs) {
		return archive.Conversation{}, false
	}
	return cl.convs[idx], true
}

func headerCell(text string) *tview.TableCell {
	return tview.NewTableCell(text).
		SetSelectable(false).
		SetTextColor(tview.Styles.SecondaryTextColor)
}

// messageView renders one conversation's scrollback.
type messageView struct {
	*tview.TextView
}

func newMessageView() *messageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")
	return &messageView{TextView: tv}
}

func (mv *messageView) update(address string, msgs []archive.Message) {
	mv.SetTitle(fmt.Sprintf(" %s ", address))
	mv.Clear()
	for _, m := range msgs {
		sender := m.SenderName
		switch m.Kind {
		case archive.KindChatMsgSent, archive.KindSingleMsgSent:
			sender = "me"
		case archive.KindChatMsgRecv, archive.KindSingleMsgRecv:
			if sender == "" {
				sender = address
			}
		}
		line := fmt.Sprintf("[gray]%s[-] [aqua]%s[-] %s",
			time.Unix(int64(m.Timestamp), 0).Format("01-02 15:04"),
			tview.Escape(sender), tview.Escape(m.Body))
		if m.Error != "" {
			line += fmt.Sprintf(" [red](error: %s)[-]", tview.Escape(m.Error))
		}
		fmt.Fprintln(mv, line)
	}
	mv.ScrollToEnd()
}

func relativeTime(ts float64) string {
	if ts == 0 {
		return ""
	}
	at := time.Unix(int64(ts), 0)
	if time.Since(at) < 24*time.Hour {
		return at.Format("15:04")
	}
	return at.Format("Jan 02")
}
