package domain

import "context"

// SlotPool é a capacidade global de requests simultâneos do portão de admissão.
//
// Acquire espera uma vaga até o ctx acabar (ok=false nesse caso). Cada release
// devolvido corresponde a exatamente uma vaga.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// AdmissionObserver conta "admitted", "rejected" e "released".
type AdmissionObserver interface {
	ObserveAdmission(outcome string)
}
