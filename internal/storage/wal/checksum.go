package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Type + MoleQueueID + Seq + Job 的 JSON
// 不包含 Timestamp
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))
	h.Write([]byte{'|'})
	h.Write(strconv.AppendUint(nil, event.MoleQueueID, 10))
	h.Write([]byte{'|'})
	h.Write(strconv.AppendUint(nil, event.Seq, 10))
	if event.Job != nil {
		h.Write([]byte{'|'})
		data, err := json.Marshal(event.Job)
		if err == nil {
			h.Write(data)
		}
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
