package chat

import (
	"sort"

	"github.com/friendchat/internal/model"
)

func containsMessage(list []model.Message, id string) bool {
	for i := range list {
		if list[i].ID == id {
			return true
		}
	}
	return false
}

// insertMessage вставляет m с сохранением порядка; повторный id игнорируется.
func insertMessage(list []model.Message, m model.Message) ([]model.Message, bool) {
	if containsMessage(list, m.ID) {
		return list, false
	}
	i := sort.Search(len(list), func(i int) bool { return m.Before(&list[i]) })
	list = append(list, model.Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list, true
}

// mergeMessages объединяет по id строки сервера плюс локальные, которых в ответе нет.
func mergeMessages(fetched, local []model.Message) []model.Message {
	out := make([]model.Message, 0, len(fetched)+len(local))
	seen := make(map[string]struct{}, len(fetched)+len(local))
	for _, group := range [][]model.Message{fetched, local} {
		for _, m := range group {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

// markIncomingRead помечает прочитанными сообщения от friendID; возвращает, было ли что менять.
func markIncomingRead(list []model.Message, friendID string) bool {
	changed := false
	for i := range list {
		if list[i].SenderID == friendID && !list[i].Read {
			list[i].Read = true
			changed = true
		}
	}
	return changed
}
