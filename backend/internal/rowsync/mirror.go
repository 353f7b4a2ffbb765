package rowsync

import (
	"encoding/json"
	"errors"

	"github.com/automerge/automerge-go"
)

// 行镜像在文档中的布局：根 map 的 "row:<rowId>" → map(fieldId → JSON 编码后的字符串)。
// 每行一个根键，避免并发创建嵌套 map 时互相覆盖

const rowKeyPrefix = "row:"

func rowKey(rowID string) string { return rowKeyPrefix + rowID }

// errSuperseded 镜像里的值已经被更新的写入覆盖，不需要回滚
var errSuperseded = errors.New("rowsync: mirror value superseded")

func rowMap(doc *automerge.Doc, rowID string) (*automerge.Map, bool, error) {
	v, err := doc.RootMap().Get(rowKey(rowID))
	if err != nil {
		return nil, false, err
	}
	if v.Kind() != automerge.KindMap {
		return nil, false, nil
	}
	return v.Map(), true, nil
}

func readField(doc *automerge.Doc, rowID, fieldID string) (string, bool, error) {
	row, ok, err := rowMap(doc, rowID)
	if err != nil || !ok {
		return "", false, err
	}
	v, err := row.Get(fieldID)
	if err != nil {
		return "", false, err
	}
	if v.Kind() != automerge.KindStr {
		return "", false, nil
	}
	return v.Str(), true, nil
}

func readRow(doc *automerge.Doc, rowID string) (map[string]json.RawMessage, bool, error) {
	row, ok, err := rowMap(doc, rowID)
	if err != nil || !ok {
		return nil, false, err
	}
	keys, err := row.Keys()
	if err != nil {
		return nil, false, err
	}
	fields := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v, err := row.Get(k)
		if err != nil {
			return nil, false, err
		}
		if v.Kind() == automerge.KindStr {
			fields[k] = json.RawMessage(v.Str())
		}
	}
	return fields, true, nil
}

func writeRow(doc *automerge.Doc, rowID string, fields map[string]json.RawMessage) error {
	if err := doc.RootMap().Set(rowKey(rowID), automerge.NewMap()); err != nil {
		return err
	}
	row, ok, err := rowMap(doc, rowID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("rowsync: row map missing after create")
	}
	for k, v := range fields {
		if err := row.Set(k, string(v)); err != nil {
			return err
		}
	}
	return nil
}

// setField value 为 nil 时删除字段
func setField(doc *automerge.Doc, rowID, fieldID string, value json.RawMessage) error {
	row, ok, err := rowMap(doc, rowID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRowNotFound
	}
	if value == nil {
		return row.Delete(fieldID)
	}
	return row.Set(fieldID, string(value))
}
