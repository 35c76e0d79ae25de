// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - Store: janela deslizante exata por chave, em memória
//   - RemoteBackend: contador compartilhado (resp.Client ou RedisCounter)
//   - FallbackBackend: remoto com queda silenciosa para a janela local
//   - ChanPool: semáforo simples para limite de concorrência
//   - *StatsStore: estatísticas em memória, Redis ou Prometheus
package infra
