// Package application contém os casos de uso (regras de aplicação) para rate limit
// e limite de concorrência.
//
// Ele depende apenas dos pacotes domain e failure e não conhece net/http.
// Ex.: Service.Check(ctx, key) devolve nil ou failure.ErrRateLimited com Retry-After;
// ConcurrencyService.Acquire(ctx) devolve um release idempotente ou failure.ErrOverCapacity.
package application
