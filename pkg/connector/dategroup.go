// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"fmt"
	"time"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"

	DateLabelLayout = "Jan 2, 2006"
	TimeLabelLayout = "15:04"
)

// DateGroup is a run of messages sharing a local calendar day.
type DateGroup struct {
	Label    string
	Messages []chatapi.Message
}

type calendarDay struct {
	year  int
	month time.Month
	day   int
}

func dayOf(t time.Time) calendarDay {
	y, m, d := t.Local().Date()
	return calendarDay{y, m, d}
}

// GroupByDate buckets messages by local calendar day, keeping groups in the
// order their day is first seen. Messages within a group keep their input
// order.
func GroupByDate(messages []chatapi.Message, now time.Time) []DateGroup {
	if len(messages) == 0 {
		return nil
	}
	today := dayOf(now)
	yesterday := dayOf(now.Local().AddDate(0, 0, -1))

	index := make(map[calendarDay]int)
	var groups []DateGroup
	for _, msg := range messages {
		day := dayOf(msg.Timestamp.Time)
		i, ok := index[day]
		if !ok {
			var label string
			switch day {
			case today:
				label = LabelToday
			case yesterday:
				label = LabelYesterday
			default:
				label = msg.Timestamp.Local().Format(DateLabelLayout)
			}
			i = len(groups)
			index[day] = i
			groups = append(groups, DateGroup{Label: label})
		}
		groups[i].Messages = append(groups[i].Messages, msg)
	}
	return groups
}

// FormatRelative renders how long ago t was: "now", "5m", "3h", "2d", or the
// date once it is a week old.
func FormatRelative(now, t time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh", int(diff/time.Hour))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(diff/(24*time.Hour)))
	default:
		return t.Local().Format(DateLabelLayout)
	}
}

// FormatTime renders the local time of day of a message.
func FormatTime(t time.Time) string {
	return t.Local().Format(TimeLabelLayout)
}
