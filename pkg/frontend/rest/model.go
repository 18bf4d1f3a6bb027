package rest

import (
	"github.com/virtblk/virtblk-engine/pkg/unit"
)

type UnitStatus struct {
	Name           string `json:"name"`
	SerialNumber   string `json:"serialNumber"`
	Address        uint32 `json:"address"`
	BlockCount     uint64 `json:"blockCount"`
	BlockLength    uint32 `json:"blockLength"`
	WriteProtected bool   `json:"writeProtected"`
	Workers        int    `json:"workers"`
	Fault          string `json:"fault,omitempty"`
}

type Operation struct {
	Slot uint64 `json:"slot"`
	Hint uint64 `json:"hint,omitempty"`
	Kind string `json:"kind,omitempty"`
	Busy bool   `json:"busy"`
}

type OperationCollection struct {
	Data []Operation `json:"data"`
}

func NewUnitStatus(u *unit.Unit) *UnitStatus {
	status := &UnitStatus{
		Name:           u.Params.Name,
		SerialNumber:   u.Params.SerialNumber,
		Address:        u.Address(),
		BlockCount:     u.Params.BlockCount,
		BlockLength:    u.Params.BlockLength,
		WriteProtected: u.Params.WriteProtected,
		Workers:        u.WorkerCount(),
	}
	if err := u.DispatcherError(); err != nil {
		status.Fault = err.Error()
	}
	return status
}

func NewOperationCollection() *OperationCollection {
	contexts := unit.ActiveOperationContexts()
	collection := &OperationCollection{Data: make([]Operation, 0, len(contexts))}
	for _, octx := range contexts {
		hint, kind, busy := octx.Inflight()
		op := Operation{Slot: octx.Slot(), Busy: busy}
		if busy {
			op.Hint = hint
			op.Kind = kind.String()
		}
		collection.Data = append(collection.Data, op)
	}
	return collection
}
