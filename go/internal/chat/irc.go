package chat

import (
	"strconv"
	"strings"
	"time"
)

// ircMessage is one parsed IRC line with IRCv3 tags.
type ircMessage struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Trailing is the last parameter, usually the message text.
func (m ircMessage) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Nick extracts the nickname from a nick!user@host prefix.
func (m ircMessage) Nick() string {
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

var tagUnescaper = strings.NewReplacer(`\s`, " ", `\:`, ";", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func parseLine(line string) (ircMessage, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return ircMessage{}, false
	}

	var msg ircMessage
	if line[0] == '@' {
		end := strings.IndexByte(line, ' ')
		if end < 0 {
			return ircMessage{}, false
		}
		msg.Tags = parseTags(line[1:end])
		line = strings.TrimLeft(line[end+1:], " ")
	}

	if strings.HasPrefix(line, ":") {
		end := strings.IndexByte(line, ' ')
		if end < 0 {
			return ircMessage{}, false
		}
		msg.Prefix = line[1:end]
		line = strings.TrimLeft(line[end+1:], " ")
	}

	trailing := ""
	hasTrailing := false
	if i := strings.Index(line, " :"); i >= 0 {
		trailing = line[i+2:]
		hasTrailing = true
		line = line[:i]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ircMessage{}, false
	}
	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]
	if hasTrailing {
		msg.Params = append(msg.Params, trailing)
	}
	return msg, true
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = tagUnescaper.Replace(value)
	}
	return tags
}

func parseBadges(raw string) map[string]string {
	badges := make(map[string]string)
	for _, b := range strings.Split(raw, ",") {
		if b == "" {
			continue
		}
		name, version, _ := strings.Cut(b, "/")
		badges[name] = version
	}
	return badges
}

// toMessage normalizes a PRIVMSG. now is used when the server timestamp is missing.
func toMessage(m ircMessage, now time.Time) (Message, bool) {
	if m.Command != "PRIVMSG" || len(m.Params) < 2 {
		return Message{}, false
	}

	badges := parseBadges(m.Tags["badges"])
	_, broadcaster := badges["broadcaster"]
	_, moderator := badges["moderator"]
	_, subscriber := badges["subscriber"]
	_, founder := badges["founder"]
	_, vip := badges["vip"]

	username := m.Tags["display-name"]
	if username == "" {
		username = m.Nick()
	}

	ts := now
	if ms, err := strconv.ParseInt(m.Tags["tmi-sent-ts"], 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}

	text := m.Trailing()
	// /me actions arrive wrapped in CTCP ACTION
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		text = strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01")
	}

	return Message{
		ID:            m.Tags["id"],
		Channel:       normalizeChannel(m.Params[0]),
		Username:      username,
		UserID:        m.Tags["user-id"],
		Text:          text,
		Color:         m.Tags["color"],
		IsMod:         m.Tags["mod"] == "1" || moderator,
		IsSubscriber:  m.Tags["subscriber"] == "1" || subscriber || founder,
		IsVip:         m.Tags["vip"] == "1" || vip,
		IsBroadcaster: broadcaster,
		Timestamp:     ts,
	}, true
}

func normalizeChannel(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}
