package cli

// defaultConfigFileContent is used when no turnd.yml-style config file is
// found on the search path, and as the seed file written into a snap's
// writable data directory on first run.
const defaultConfigFileContent = `
version: "1"
server:
  listen:
    - "0.0.0.0:3478"
  realm: "turnd"
  workers: 100
  reuseport: true
  software: ""
  relay:
    start: 49152
    count: 16384
  prometheus:
    active: false
    addr: ""
  pprof: ""
  debug:
    collect: false
  development: false
auth:
  stun: false
  public: true
  static: []
filter:
  peer:
    action: allow
    rules: []
  client:
    action: allow
    rules: []
api:
  addr: ""
`
