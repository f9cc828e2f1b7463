/*
Package ports defines the driven ports (interfaces) of the Itinerary engine.

These interfaces decouple the scheduler from storage, delivery providers and
engagement tracking, so the same core runs against memory, Redis or SQLite and
against a real or fake email provider.

# Key Interfaces

  - JourneyRepository: durable storage for graphs, prospects and counters.
  - DeliveryGateway: sends one email through an external provider.
  - EngagementSource / EngagementRecorder: open, click, reply, unsubscribe and bounce signals.
  - DistributedLocker: cross-instance locks for prospect commits.

Reusable contract suites (RunRepositoryContract, RunEngagementContract,
RunLockerContract) verify that adapters honor these interfaces.
*/
package ports
