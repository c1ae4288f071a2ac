package proptalk

// UnreadCount returns the number of messages in log that were not sent by
// viewerID and carry no read receipt from viewerID.
func UnreadCount(log []Message, viewerID string) int {
	n := 0
	for i := range log {
		if log[i].SenderID != viewerID && !log[i].ReadBy(viewerID) {
			n++
		}
	}
	return n
}

// accountant keeps the per-property unread cache and notification counters.
// It is owned by the session loop.
type accountant struct {
	viewerID      string
	active        string
	unread        map[string]int
	notifications map[string]int
}

func newAccountant() *accountant {
	return &accountant{
		unread:        make(map[string]int),
		notifications: make(map[string]int),
	}
}

// setViewer drops every cached count when the viewer changes.
func (a *accountant) setViewer(viewerID string) {
	if viewerID == a.viewerID {
		return
	}
	a.viewerID = viewerID
	a.unread = make(map[string]int)
}

func (a *accountant) invalidate(propertyID string) {
	delete(a.unread, propertyID)
}

func (a *accountant) unreadCount(propertyID string, log []Message) int {
	if n, ok := a.unread[propertyID]; ok {
		return n
	}
	n := UnreadCount(log, a.viewerID)
	a.unread[propertyID] = n
	return n
}

// notify records a new inbound message and reports whether the counter for
// propertyID moved.
func (a *accountant) notify(propertyID, senderID string) bool {
	if senderID == a.viewerID || propertyID == a.active {
		return false
	}
	a.notifications[propertyID]++
	return true
}

func (a *accountant) notificationCount(propertyID string) int {
	return a.notifications[propertyID]
}

// clear resets the notification counter and reports whether it was non-zero.
func (a *accountant) clear(propertyID string) bool {
	if a.notifications[propertyID] == 0 {
		return false
	}
	delete(a.notifications, propertyID)
	return true
}

// setActive focuses propertyID. An empty id means no property is focused.
func (a *accountant) setActive(propertyID string) bool {
	a.active = propertyID
	if propertyID == "" {
		return false
	}
	return a.clear(propertyID)
}
