package grouping_test

import (
	"testing"
	"time"

	"spectra/internal/domain/gateway"
	"spectra/internal/domain/grouping"
)

func TestParseFilename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want grouping.Parsed
	}{
		{"report_part1.rar", grouping.Parsed{Base: "report", Part: 1, Ext: ".rar"}},
		{"report_PART2.rar", grouping.Parsed{Base: "report", Part: 2, Ext: ".rar"}},
		{"data.part3.zip", grouping.Parsed{Base: "data", Part: 3, Ext: ".zip"}},
		{"archive_2.7z", grouping.Parsed{Base: "archive", Part: 2, Ext: ".7z"}},
		{"photo (4).jpg", grouping.Parsed{Base: "photo", Part: 4, Ext: ".jpg"}},
		{"release.2.iso", grouping.Parsed{Base: "release", Part: 2, Ext: ".iso"}},
		{"logs_1.tar.gz", grouping.Parsed{Base: "logs", Part: 1, Ext: ".tar.gz"}},
		{"dump_2.tar.bz2", grouping.Parsed{Base: "dump", Part: 2, Ext: ".tar.bz2"}},
		{"snap.part7.tar.xz", grouping.Parsed{Base: "snap", Part: 7, Ext: ".tar.xz"}},
		// Имя, целиком состоящее из токена части, частью не считается.
		{"_part1.rar", grouping.Parsed{Base: "_part1", Ext: ".rar"}},
		{"_3.zip", grouping.Parsed{Base: "_3", Ext: ".zip"}},
		// Нечисловой суффикс — не часть.
		{"report_partx.rar", grouping.Parsed{Base: "report_partx", Ext: ".rar"}},
		{"notes.txt", grouping.Parsed{Base: "notes", Ext: ".txt"}},
		{"noext", grouping.Parsed{Base: "noext"}},
		{".env", grouping.Parsed{Base: ".env"}},
		// Жадный разбор: часть срезается с конца, остальное — основа.
		{"a_b_part2.rar", grouping.Parsed{Base: "a_b", Part: 2, Ext: ".rar"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := grouping.ParseFilename(tc.name)
			if got != tc.want {
				t.Fatalf("ParseFilename(%q) = %#v, want %#v", tc.name, got, tc.want)
			}
		})
	}
}

func fileMsg(id int, sender int64, name string) gateway.Message {
	return gateway.Message{
		ID:       id,
		SenderID: sender,
		File:     &gateway.FileInfo{Name: name, Size: 100},
	}
}

func ids(groups [][]gateway.Message) [][]int {
	out := make([][]int, 0, len(groups))
	for _, g := range groups {
		var row []int
		for _, m := range g {
			row = append(row, m.ID)
		}
		out = append(out, row)
	}
	return out
}

func equalGroups(got, want [][]int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if len(got[i]) != len(want[i]) {
			return false
		}
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				return false
			}
		}
	}
	return true
}

func TestGroupNone(t *testing.T) {
	t.Parallel()

	msgs := []gateway.Message{{ID: 1}, {ID: 2}, {ID: 3}}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyNone}))
	if !equalGroups(got, [][]int{{1}, {2}, {3}}) {
		t.Fatalf("Group(none) = %v", got)
	}
}

func TestGroupByFilenameParts(t *testing.T) {
	t.Parallel()

	msgs := []gateway.Message{
		fileMsg(3, 7, "report_part3.rar"),
		fileMsg(1, 7, "report_part1.rar"),
		fileMsg(4, 7, "notes.txt"),
		fileMsg(2, 7, "report_part2.rar"),
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyFilename}))
	// Многотомник собран и упорядочен по номерам частей, text — отдельно.
	if !equalGroups(got, [][]int{{1, 2, 3}, {4}}) {
		t.Fatalf("Group(filename) = %v, want [[1 2 3] [4]]", got)
	}
}

func TestGroupByFilenameSenderIsolation(t *testing.T) {
	t.Parallel()

	msgs := []gateway.Message{
		fileMsg(1, 7, "backup_part1.rar"),
		fileMsg(2, 8, "backup_part2.rar"), // другой отправитель — другая корзина
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyFilename}))
	if !equalGroups(got, [][]int{{1}, {2}}) {
		t.Fatalf("Group(filename) = %v, want [[1] [2]]", got)
	}
}

func TestGroupByFilenameMultiDotExt(t *testing.T) {
	t.Parallel()

	msgs := []gateway.Message{
		fileMsg(2, 1, "logs_2.tar.gz"),
		fileMsg(1, 1, "logs_1.tar.gz"),
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyFilename}))
	if !equalGroups(got, [][]int{{1, 2}}) {
		t.Fatalf("Group(filename, tar.gz) = %v, want [[1 2]]", got)
	}
}

func TestGroupByFilenameBareTokenNotGrouped(t *testing.T) {
	t.Parallel()

	// "_part1.rar" и "_part2.rar" — разные основы, а не части одного тома.
	msgs := []gateway.Message{
		fileMsg(1, 1, "_part1.rar"),
		fileMsg(2, 1, "_part2.rar"),
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyFilename}))
	if !equalGroups(got, [][]int{{1}, {2}}) {
		t.Fatalf("Group(filename, bare tokens) = %v, want [[1] [2]]", got)
	}
}

func TestGroupByFilenameTextOnly(t *testing.T) {
	t.Parallel()

	msgs := []gateway.Message{
		{ID: 5, SenderID: 1, Text: "hello"},
		fileMsg(6, 1, "a_part1.bin"),
		fileMsg(7, 1, "a_part2.bin"),
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyFilename}))
	if !equalGroups(got, [][]int{{5}, {6, 7}}) {
		t.Fatalf("Group(filename, mixed) = %v, want [[5] [6 7]]", got)
	}
}

func TestGroupByTime(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(id int, sender int64, offset time.Duration) gateway.Message {
		return gateway.Message{ID: id, SenderID: sender, Date: base.Add(offset)}
	}
	msgs := []gateway.Message{
		at(1, 7, 0),
		at(2, 7, 30*time.Second),
		at(3, 7, 10*time.Minute),               // зазор больше окна: новая группа
		at(4, 8, 10*time.Minute+5*time.Second), // другой отправитель: новая группа
		at(5, 8, 11*time.Minute),
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyTime, Window: 5 * time.Minute}))
	if !equalGroups(got, [][]int{{1, 2}, {3}, {4, 5}}) {
		t.Fatalf("Group(time) = %v, want [[1 2] [3] [4 5]]", got)
	}
}

func TestGroupByTimeSortsInput(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []gateway.Message{
		{ID: 2, SenderID: 1, Date: base.Add(time.Minute)},
		{ID: 1, SenderID: 1, Date: base},
	}
	got := ids(grouping.Group(msgs, grouping.Config{Strategy: grouping.StrategyTime}))
	if !equalGroups(got, [][]int{{1, 2}}) {
		t.Fatalf("Group(time, unsorted) = %v, want [[1 2]]", got)
	}
}
