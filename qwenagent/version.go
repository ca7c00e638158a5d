package qwenagent

// SDKVersion is the current version of the qwen-agent-sdk-go module. It is
// reported to the qwen subprocess via the QWEN_AGENT_SDK_VERSION
// environment variable.
const SDKVersion = "0.1.0"
